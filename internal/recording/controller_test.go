package recording

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"falconeye/internal/adapter"
	"falconeye/internal/api"
	"falconeye/internal/cluster"
	"falconeye/internal/entity"
	"falconeye/internal/registry"
)

// commanderStub records proxied commands and answers recording_status polls.
type commanderStub struct {
	mu         sync.Mutex
	actions    []string
	fileClosed bool
	sizeBytes  int64
	err        error
}

func (c *commanderStub) ProxyCommand(_ context.Context, _ string, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}

	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, err
	}
	c.actions = append(c.actions, cmd.Action)

	if cmd.Action == "recording_status" {
		return json.Marshal(captureStatus{FileClosed: c.fileClosed, SizeBytes: c.sizeBytes})
	}
	return []byte(`{}`), nil
}

func (c *commanderStub) sawAction(action string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.actions {
		if a == action {
			return true
		}
	}
	return false
}

func newTestController(t *testing.T, cfg Config) (*Controller, *registry.Store, *cluster.Fake, *commanderStub) {
	t.Helper()

	store, err := registry.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := cluster.NewFake("node-a")
	cmd := &commanderStub{}
	return NewController(cfg, store, fake, cmd, nil), store, fake, cmd
}

func newCamera(t *testing.T, store *registry.Store) *entity.Camera {
	t.Helper()
	cam, err := store.PutCamera(context.Background(), &entity.Camera{
		Entity:           entity.Entity{DesiredEnabled: true},
		Protocol:         entity.ProtocolRTSP,
		Source:           "rtsp://a/1",
		RecordingEnabled: true,
	})
	require.NoError(t, err)
	return cam
}

func runCameraWorkload(t *testing.T, fake *cluster.Fake, cameraID string) {
	t.Helper()
	err := fake.CreatePod(context.Background(), &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name: adapter.WorkloadName(entity.KindCamera, cameraID),
			Labels: map[string]string{
				adapter.ManagedByLabel: adapter.ManagedByValue,
				adapter.EntityIDLabel:  cameraID,
				adapter.KindLabel:      string(entity.KindCamera),
			},
		},
		Spec: corev1.PodSpec{NodeName: "node-a"},
	})
	require.NoError(t, err)
}

func TestStartRecording(t *testing.T) {
	c, store, fake, cmd := newTestController(t, Config{})
	cam := newCamera(t, store)
	runCameraWorkload(t, fake, cam.ID)

	rec, err := c.StartRecording(context.Background(), cam.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RecordingActive, rec.Status)
	assert.Equal(t, cam.ID, rec.CameraID)
	assert.Equal(t, "node-a", rec.Node)
	assert.Contains(t, rec.FilePath, "/recordings/"+cam.ID+"/")
	assert.True(t, cmd.sawAction("start_recording"))

	stored, err := store.ActiveRecording(context.Background(), cam.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)
}

func TestStartRecording_ConflictWhenActive(t *testing.T) {
	c, store, fake, _ := newTestController(t, Config{})
	cam := newCamera(t, store)
	runCameraWorkload(t, fake, cam.ID)

	_, err := c.StartRecording(context.Background(), cam.ID)
	require.NoError(t, err)

	_, err = c.StartRecording(context.Background(), cam.ID)
	require.True(t, api.IsConflict(err))
}

func TestStartRecording_NotRunning(t *testing.T) {
	c, store, _, cmd := newTestController(t, Config{})
	cam := newCamera(t, store)

	_, err := c.StartRecording(context.Background(), cam.ID)
	require.ErrorIs(t, err, api.ErrNotRunning)
	assert.Empty(t, cmd.actions, "no command may reach a non-running workload")
}

func TestStartRecording_UnknownCamera(t *testing.T) {
	c, _, _, _ := newTestController(t, Config{})

	_, err := c.StartRecording(context.Background(), "nope")
	require.True(t, api.IsNotFound(err))
}

func TestStopRecording_CompletesAfterFileClosed(t *testing.T) {
	c, store, fake, cmd := newTestController(t, Config{})
	cam := newCamera(t, store)
	runCameraWorkload(t, fake, cam.ID)

	rec, err := c.StartRecording(context.Background(), cam.ID)
	require.NoError(t, err)

	cmd.fileClosed = true
	cmd.sizeBytes = 4096

	stopped, err := c.StopRecording(context.Background(), cam.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RecordingComplete, stopped.Status)
	assert.Equal(t, int64(4096), stopped.SizeBytes)
	assert.True(t, cmd.sawAction("stop_recording"))

	got, err := store.GetRecording(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RecordingComplete, got.Status)
	assert.Equal(t, int64(4096), got.SizeBytes)
}

func TestStopRecording_StaysFinalizingUntilConfirmed(t *testing.T) {
	c, store, fake, cmd := newTestController(t, Config{FinalizeTimeout: 50 * time.Millisecond})
	cam := newCamera(t, store)
	runCameraWorkload(t, fake, cam.ID)

	rec, err := c.StartRecording(context.Background(), cam.ID)
	require.NoError(t, err)

	// The workload never confirms the file closed.
	cmd.fileClosed = false

	stopped, err := c.StopRecording(context.Background(), cam.ID)
	require.ErrorIs(t, err, api.ErrStillConverging)
	assert.Equal(t, entity.RecordingFinalizing, stopped.Status,
		"a recording must never be complete while its file may still be open")

	got, err := store.GetRecording(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RecordingFinalizing, got.Status)
}

func TestStopRecording_NoActiveRecording(t *testing.T) {
	c, store, fake, _ := newTestController(t, Config{})
	cam := newCamera(t, store)
	runCameraWorkload(t, fake, cam.ID)

	_, err := c.StopRecording(context.Background(), cam.ID)
	require.True(t, api.IsNotFound(err))
}

func TestFailRecording(t *testing.T) {
	c, store, fake, _ := newTestController(t, Config{})
	cam := newCamera(t, store)
	runCameraWorkload(t, fake, cam.ID)

	rec, err := c.StartRecording(context.Background(), cam.ID)
	require.NoError(t, err)

	require.NoError(t, c.FailRecording(context.Background(), rec.ID))

	got, err := store.GetRecording(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RecordingFailed, got.Status)
}
