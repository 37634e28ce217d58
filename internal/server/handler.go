// Package server exposes the operations consumed by the dashboard/API layer.
// Thin request wrappers (HTTP routing, auth) belong to that layer; everything
// here returns view structs and the error taxonomy of internal/api.
package server

import (
	"context"
	"io"

	"falconeye/internal/api"
	"falconeye/internal/cluster"
	"falconeye/internal/entity"
	"falconeye/internal/recording"
	"falconeye/internal/registry"
)

// Controls is the convergence-blocking control surface. *proxy.Proxy
// implements it.
type Controls interface {
	Start(ctx context.Context, id string) (entity.Status, error)
	Stop(ctx context.Context, id string) (entity.Status, error)
	Restart(ctx context.Context, id string) (entity.Status, error)
	ProxyStream(ctx context.Context, id string, w io.Writer) error
}

// Recordings is the recording control surface. *recording.Controller
// implements it.
type Recordings interface {
	StartRecording(ctx context.Context, cameraID string) (*entity.Recording, error)
	StopRecording(ctx context.Context, cameraID string) (*entity.Recording, error)
}

// Handler is the exposed facade over the registry, proxy and recording
// controller.
type Handler struct {
	registry   *registry.Store
	cluster    cluster.Interface
	controls   Controls
	recordings Recordings
}

// NewHandler creates the facade.
func NewHandler(reg *registry.Store, c cluster.Interface, controls Controls, recordings Recordings) *Handler {
	return &Handler{registry: reg, cluster: c, controls: controls, recordings: recordings}
}

var _ Recordings = (*recording.Controller)(nil)

// ListEntities returns all entities matching the filter, each annotated with
// its observed workload when one exists.
func (h *Handler) ListEntities(ctx context.Context, filter registry.Filter) ([]api.EntityView, error) {
	cameras, err := h.registry.ListCameras(ctx, registry.Filter{EnabledOnly: filter.EnabledOnly})
	if err != nil {
		return nil, err
	}
	agents, err := h.registry.ListAgents(ctx, registry.Filter{EnabledOnly: filter.EnabledOnly})
	if err != nil {
		return nil, err
	}

	snap, err := cluster.TakeSnapshot(ctx, h.cluster)
	if err != nil {
		return nil, err
	}

	var views []api.EntityView
	if filter.Kind == "" || filter.Kind == entity.KindCamera {
		for _, c := range cameras {
			views = append(views, attachWorkload(api.CameraView(c), snap, c.ID))
		}
	}
	if filter.Kind == "" || filter.Kind == entity.KindAgent {
		for _, a := range agents {
			views = append(views, attachWorkload(api.AgentView(a), snap, a.ID))
		}
	}
	return views, nil
}

// GetEntity returns one entity with its observed workload.
func (h *Handler) GetEntity(ctx context.Context, id string) (api.EntityView, error) {
	e, err := h.registry.GetEntity(ctx, id)
	if err != nil {
		return api.EntityView{}, err
	}

	var view api.EntityView
	switch e.Kind {
	case entity.KindCamera:
		c, err := h.registry.GetCamera(ctx, id)
		if err != nil {
			return api.EntityView{}, err
		}
		view = api.CameraView(c)
	default:
		a, err := h.registry.GetAgent(ctx, id)
		if err != nil {
			return api.EntityView{}, err
		}
		view = api.AgentView(a)
	}

	snap, err := cluster.TakeSnapshot(ctx, h.cluster)
	if err != nil {
		return api.EntityView{}, err
	}
	return attachWorkload(view, snap, id), nil
}

func attachWorkload(view api.EntityView, snap *cluster.Snapshot, id string) api.EntityView {
	if w, ok := snap.Lookup(id); ok {
		view.Workload = api.ViewWorkload(&w)
	}
	return view
}

// CreateCamera validates and stores a new camera. The id must be empty; one
// is assigned.
func (h *Handler) CreateCamera(ctx context.Context, cam *entity.Camera) (api.EntityView, error) {
	if cam.ID != "" {
		return api.EntityView{}, api.NewValidationError("id", "must be empty on create")
	}
	if err := api.ValidateCamera(cam); err != nil {
		return api.EntityView{}, err
	}
	stored, err := h.registry.PutCamera(ctx, cam)
	if err != nil {
		return api.EntityView{}, err
	}
	return api.CameraView(stored), nil
}

// CreateAgent validates and stores a new agent.
func (h *Handler) CreateAgent(ctx context.Context, ag *entity.Agent) (api.EntityView, error) {
	if ag.ID != "" {
		return api.EntityView{}, api.NewValidationError("id", "must be empty on create")
	}
	if err := api.ValidateAgent(ag); err != nil {
		return api.EntityView{}, err
	}
	if err := h.checkSpawnReason(ctx, ag); err != nil {
		return api.EntityView{}, err
	}
	stored, err := h.registry.PutAgent(ctx, ag)
	if err != nil {
		return api.EntityView{}, err
	}
	return api.AgentView(stored), nil
}

// UpdateCamera validates and applies a full camera update.
func (h *Handler) UpdateCamera(ctx context.Context, cam *entity.Camera) (api.EntityView, error) {
	if _, err := h.registry.GetCamera(ctx, cam.ID); err != nil {
		return api.EntityView{}, err
	}
	if err := api.ValidateCamera(cam); err != nil {
		return api.EntityView{}, err
	}
	stored, err := h.registry.PutCamera(ctx, cam)
	if err != nil {
		return api.EntityView{}, err
	}
	return api.CameraView(stored), nil
}

// UpdateAgent validates and applies a full agent update.
func (h *Handler) UpdateAgent(ctx context.Context, ag *entity.Agent) (api.EntityView, error) {
	if _, err := h.registry.GetAgent(ctx, ag.ID); err != nil {
		return api.EntityView{}, err
	}
	if err := api.ValidateAgent(ag); err != nil {
		return api.EntityView{}, err
	}
	if err := h.checkSpawnReason(ctx, ag); err != nil {
		return api.EntityView{}, err
	}
	stored, err := h.registry.PutAgent(ctx, ag)
	if err != nil {
		return api.EntityView{}, err
	}
	return api.AgentView(stored), nil
}

// checkSpawnReason confirms the agent an ephemeral references still exists.
// Static validation cannot do this; it needs the registry.
func (h *Handler) checkSpawnReason(ctx context.Context, ag *entity.Agent) error {
	if ag.AgentKind != entity.AgentKindEphemeral {
		return nil
	}
	if _, err := h.registry.GetAgent(ctx, ag.SpawnReason); err != nil {
		if api.IsNotFound(err) {
			return api.NewValidationError("spawnReason", "must reference an existing agent")
		}
		return err
	}
	return nil
}

// DeleteEntity marks an entity for deletion. Deletion is asynchronous: the
// row disappears once the reconciler confirms zero workloads; callers observe
// progress via status polling.
func (h *Handler) DeleteEntity(ctx context.Context, id string) error {
	return h.registry.MarkDeleting(ctx, id)
}

// Start enables an entity and waits for convergence.
func (h *Handler) Start(ctx context.Context, id string) (string, error) {
	status, err := h.controls.Start(ctx, id)
	return string(status), err
}

// Stop disables an entity and waits for convergence.
func (h *Handler) Stop(ctx context.Context, id string) (string, error) {
	status, err := h.controls.Stop(ctx, id)
	return string(status), err
}

// Restart bounces an entity's workload and waits for convergence.
func (h *Handler) Restart(ctx context.Context, id string) (string, error) {
	status, err := h.controls.Restart(ctx, id)
	return string(status), err
}

// Stream copies the entity's live media stream to w.
func (h *Handler) Stream(ctx context.Context, id string, w io.Writer) error {
	return h.controls.ProxyStream(ctx, id, w)
}

// StartRecording begins a recording on a camera.
func (h *Handler) StartRecording(ctx context.Context, cameraID string) (api.RecordingView, error) {
	rec, err := h.recordings.StartRecording(ctx, cameraID)
	if err != nil {
		return api.RecordingView{}, err
	}
	return api.ViewRecording(rec), nil
}

// StopRecording stops a camera's active recording.
func (h *Handler) StopRecording(ctx context.Context, cameraID string) (api.RecordingView, error) {
	rec, err := h.recordings.StopRecording(ctx, cameraID)
	if err != nil && rec == nil {
		return api.RecordingView{}, err
	}
	view := api.ViewRecording(rec)
	return view, err
}

// ListRecordings returns recordings, newest first. An empty cameraID lists
// all cameras.
func (h *Handler) ListRecordings(ctx context.Context, cameraID string) ([]api.RecordingView, error) {
	recs, err := h.registry.ListRecordings(ctx, cameraID)
	if err != nil {
		return nil, err
	}
	views := make([]api.RecordingView, 0, len(recs))
	for _, r := range recs {
		views = append(views, api.ViewRecording(r))
	}
	return views, nil
}
