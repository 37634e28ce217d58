package recording

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"falconeye/internal/api"
	"falconeye/internal/cluster"
	"falconeye/internal/entity"
	"falconeye/pkg/logging"
)

// Registry is the recording metadata surface. *registry.Store implements it.
type Registry interface {
	GetCamera(ctx context.Context, id string) (*entity.Camera, error)
	CreateRecording(ctx context.Context, r *entity.Recording) (*entity.Recording, error)
	UpdateRecording(ctx context.Context, id string, status entity.RecordingStatus, sizeBytes int64) error
	ActiveRecording(ctx context.Context, cameraID string) (*entity.Recording, error)
	GetRecording(ctx context.Context, id string) (*entity.Recording, error)
}

// Commander sends a command payload to an entity's running workload.
// *proxy.Proxy implements it.
type Commander interface {
	ProxyCommand(ctx context.Context, id string, payload []byte) ([]byte, error)
}

const finalizePollInterval = time.Second

// command is the JSON body sent to the capture workload's command endpoint.
type command struct {
	Action string `json:"action"`
	Path   string `json:"path,omitempty"`
}

// captureStatus is the workload's reply to a recording_status command.
type captureStatus struct {
	FileClosed bool  `json:"file_closed"`
	SizeBytes  int64 `json:"size_bytes"`
}

// Controller drives the recording sub-state-machine layered on a camera's
// workload. At most one recording is active per camera: the store rejects a
// second active row transactionally and the per-camera lock keeps concurrent
// Start/Stop calls from interleaving their proxy commands.
type Controller struct {
	registry  Registry
	cluster   cluster.Interface
	commander Commander
	archiver  Archiver

	basePath        string
	finalizeTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Config tunes the recording controller.
type Config struct {
	// BasePath is the shared recordings mount where capture workloads write.
	// Defaults to /recordings.
	BasePath string

	// FinalizeTimeout bounds the wait for the workload to confirm the file
	// closed after a stop command. Defaults to 30s.
	FinalizeTimeout time.Duration
}

// NewController creates a recording controller. archiver may be nil to
// disable archive uploads.
func NewController(config Config, reg Registry, c cluster.Interface, cmd Commander, archiver Archiver) *Controller {
	if config.BasePath == "" {
		config.BasePath = "/recordings"
	}
	if config.FinalizeTimeout == 0 {
		config.FinalizeTimeout = 30 * time.Second
	}
	return &Controller{
		registry:        reg,
		cluster:         c,
		commander:       cmd,
		archiver:        archiver,
		basePath:        config.BasePath,
		finalizeTimeout: config.FinalizeTimeout,
		locks:           make(map[string]*sync.Mutex),
	}
}

// cameraLock returns the mutex serializing recording operations for one
// camera.
func (c *Controller) cameraLock(cameraID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[cameraID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[cameraID] = l
	}
	return l
}

// StartRecording begins a recording on a camera's running workload and
// returns the active recording row. Fails with ConflictError when a recording
// is already active and with ErrNotRunning when the workload is not running.
func (c *Controller) StartRecording(ctx context.Context, cameraID string) (*entity.Recording, error) {
	lock := c.cameraLock(cameraID)
	lock.Lock()
	defer lock.Unlock()

	cam, err := c.registry.GetCamera(ctx, cameraID)
	if err != nil {
		return nil, err
	}

	if existing, err := c.registry.ActiveRecording(ctx, cameraID); err == nil {
		return nil, api.NewConflictError("recording", existing.ID,
			fmt.Sprintf("camera %s already has an active recording", cameraID))
	} else if !api.IsNotFound(err) {
		return nil, err
	}

	snap, err := cluster.TakeSnapshot(ctx, c.cluster)
	if err != nil {
		return nil, err
	}
	workload, exists := snap.Lookup(cameraID)
	if !exists || workload.Phase != entity.PhaseRunning {
		return nil, fmt.Errorf("%w: camera %s workload is %s", api.ErrNotRunning, cameraID, workload.Phase)
	}

	start := time.Now().UTC()
	filePath := filepath.Join(c.basePath, cameraID,
		fmt.Sprintf("%s.mkv", start.Format("20060102-150405")))

	payload, _ := json.Marshal(command{Action: "start_recording", Path: filePath})
	if _, err := c.commander.ProxyCommand(ctx, cameraID, payload); err != nil {
		return nil, fmt.Errorf("command capture workload for camera %s: %w", cameraID, err)
	}

	rec, err := c.registry.CreateRecording(ctx, &entity.Recording{
		CameraID:  cam.ID,
		StartTime: start,
		FilePath:  filePath,
		Node:      workload.Node,
		Status:    entity.RecordingActive,
	})
	if err != nil {
		// The workload is writing but the row was lost; stop the capture so
		// the file does not grow unaccounted.
		stopPayload, _ := json.Marshal(command{Action: "stop_recording"})
		if _, stopErr := c.commander.ProxyCommand(ctx, cameraID, stopPayload); stopErr != nil {
			logging.Warn("Recording", "Failed to stop unaccounted capture on %s: %v", cameraID, stopErr)
		}
		return nil, err
	}

	logging.Info("Recording", "Started recording %s for camera %s at %s", rec.ID, cameraID, filePath)
	return rec, nil
}

// StopRecording stops the camera's active recording. The row moves to
// finalizing immediately and to complete only after the workload confirms the
// output file is closed and sized; a caller never sees complete while the
// file is still being written. If confirmation does not arrive before the
// finalize timeout the row stays finalizing and ErrStillConverging is
// returned.
func (c *Controller) StopRecording(ctx context.Context, cameraID string) (*entity.Recording, error) {
	lock := c.cameraLock(cameraID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := c.registry.ActiveRecording(ctx, cameraID)
	if err != nil {
		return nil, err
	}

	if rec.Status == entity.RecordingActive {
		payload, _ := json.Marshal(command{Action: "stop_recording"})
		if _, err := c.commander.ProxyCommand(ctx, cameraID, payload); err != nil {
			return nil, fmt.Errorf("command capture workload for camera %s: %w", cameraID, err)
		}
		if err := c.registry.UpdateRecording(ctx, rec.ID, entity.RecordingFinalizing, rec.SizeBytes); err != nil {
			return nil, err
		}
		rec.Status = entity.RecordingFinalizing
	}

	size, err := c.awaitFileClosed(ctx, cameraID)
	if err != nil {
		logging.Warn("Recording", "Recording %s left finalizing: %v", rec.ID, err)
		return rec, err
	}

	if err := c.registry.UpdateRecording(ctx, rec.ID, entity.RecordingComplete, size); err != nil {
		return nil, err
	}
	rec.Status = entity.RecordingComplete
	rec.SizeBytes = size
	logging.Info("Recording", "Completed recording %s for camera %s (%d bytes)", rec.ID, cameraID, size)

	if c.archiver != nil {
		go c.archive(rec)
	}
	return rec, nil
}

// FailRecording marks a recording failed; used when the capture workload is
// gone and no confirmation will ever arrive.
func (c *Controller) FailRecording(ctx context.Context, recordingID string) error {
	rec, err := c.registry.GetRecording(ctx, recordingID)
	if err != nil {
		return err
	}
	return c.registry.UpdateRecording(ctx, rec.ID, entity.RecordingFailed, rec.SizeBytes)
}

// awaitFileClosed polls the workload until it reports the output file closed,
// returning the final size.
func (c *Controller) awaitFileClosed(ctx context.Context, cameraID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.finalizeTimeout)
	defer cancel()

	ticker := time.NewTicker(finalizePollInterval)
	defer ticker.Stop()

	payload, _ := json.Marshal(command{Action: "recording_status"})
	for {
		body, err := c.commander.ProxyCommand(ctx, cameraID, payload)
		if err == nil {
			var status captureStatus
			if err := json.Unmarshal(body, &status); err != nil {
				return 0, fmt.Errorf("parse capture status from camera %s: %w", cameraID, err)
			}
			if status.FileClosed {
				return status.SizeBytes, nil
			}
		} else if ctx.Err() == nil {
			logging.Debug("Recording", "Status poll for camera %s failed: %v", cameraID, err)
		}

		select {
		case <-ctx.Done():
			return 0, api.ErrStillConverging
		case <-ticker.C:
		}
	}
}

// archive uploads a completed recording in the background; failures are
// logged, never surfaced. The row stays complete either way.
func (c *Controller) archive(rec *entity.Recording) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := c.archiver.Archive(ctx, rec); err != nil {
		logging.Warn("Recording", "Archive upload for %s failed: %v", rec.ID, err)
		return
	}
	logging.Info("Recording", "Archived recording %s", rec.ID)
}
