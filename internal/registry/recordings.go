package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"falconeye/internal/api"
	"falconeye/internal/entity"
)

const recordingColumns = `id, camera_id, start_time, file_path, node, status, size_bytes`

// CreateRecording inserts a new active recording for a camera. The
// single-active invariant is enforced here inside the transaction: if an
// active or finalizing recording already exists for the camera, a
// ConflictError is returned and nothing is written.
func (s *Store) CreateRecording(ctx context.Context, r *entity.Recording) (*entity.Recording, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = entity.RecordingActive
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM recordings WHERE camera_id = ? AND status IN (?, ?)`,
			r.CameraID, string(entity.RecordingActive), string(entity.RecordingFinalizing),
		).Scan(&existing)
		switch {
		case err == nil:
			return api.NewConflictError("recording", r.CameraID,
				fmt.Sprintf("recording %s already active", existing))
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("registry: check active recording for %s: %w", r.CameraID, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO recordings (`+recordingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.CameraID, r.StartTime, r.FilePath, r.Node, string(r.Status), r.SizeBytes)
		if err != nil {
			return fmt.Errorf("registry: create recording for %s: %w", r.CameraID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateRecording sets the status and observed size of a recording.
func (s *Store) UpdateRecording(ctx context.Context, id string, status entity.RecordingStatus, sizeBytes int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET status = ?, size_bytes = ? WHERE id = ?`,
		string(status), sizeBytes, id)
	if err != nil {
		return fmt.Errorf("registry: update recording %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return api.NewNotFoundError("recording", id)
	}
	return nil
}

// ActiveRecording returns the camera's active or finalizing recording, or a
// NotFoundError when none exists.
func (s *Store) ActiveRecording(ctx context.Context, cameraID string) (*entity.Recording, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE camera_id = ? AND status IN (?, ?)`,
		cameraID, string(entity.RecordingActive), string(entity.RecordingFinalizing))
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NewNotFoundError("recording", cameraID)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: active recording for %s: %w", cameraID, err)
	}
	return rec, nil
}

// GetRecording returns the recording with the given id.
func (s *Store) GetRecording(ctx context.Context, id string) (*entity.Recording, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NewNotFoundError("recording", id)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get recording %s: %w", id, err)
	}
	return rec, nil
}

// ListRecordings returns all recordings for a camera, newest first. An empty
// cameraID lists recordings across all cameras.
func (s *Store) ListRecordings(ctx context.Context, cameraID string) ([]*entity.Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings`
	var args []any
	if cameraID != "" {
		query += ` WHERE camera_id = ?`
		args = append(args, cameraID)
	}
	query += ` ORDER BY start_time DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: list recordings: %w", err)
	}
	defer rows.Close()

	var out []*entity.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan recording: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecording(row rowScanner) (*entity.Recording, error) {
	var r entity.Recording
	var status string
	err := row.Scan(&r.ID, &r.CameraID, &r.StartTime, &r.FilePath, &r.Node, &status, &r.SizeBytes)
	if err != nil {
		return nil, err
	}
	r.Status = entity.RecordingStatus(status)
	return &r, nil
}
