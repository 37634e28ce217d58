package api

import (
	"time"

	"falconeye/internal/entity"
)

// EntityView is the read model exposed to the dashboard/API layer. It
// flattens camera and agent fields so the boundary does not depend on the
// storage types.
type EntityView struct {
	ID             string    `json:"id" yaml:"id"`
	Kind           string    `json:"kind" yaml:"kind"`
	DesiredEnabled bool      `json:"desiredEnabled" yaml:"desiredEnabled"`
	NodeConstraint string    `json:"nodeConstraint,omitempty" yaml:"nodeConstraint,omitempty"`
	Generation     int64     `json:"generation" yaml:"generation"`
	Status         string    `json:"status" yaml:"status"`
	LastError      string    `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	CreatedAt      time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt" yaml:"updatedAt"`

	// Camera fields, populated when Kind is "camera".
	Protocol         string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Source           string `json:"source,omitempty" yaml:"source,omitempty"`
	Resolution       string `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	RecordingEnabled bool   `json:"recordingEnabled,omitempty" yaml:"recordingEnabled,omitempty"`

	// Agent fields, populated when Kind is "agent".
	AgentKind   string `json:"agentKind,omitempty" yaml:"agentKind,omitempty"`
	SpawnReason string `json:"spawnReason,omitempty" yaml:"spawnReason,omitempty"`

	// Workload is the current observed placement, when one exists.
	Workload *WorkloadView `json:"workload,omitempty" yaml:"workload,omitempty"`
}

// WorkloadView is the observed side of an entity exposed at the boundary.
type WorkloadView struct {
	Name           string    `json:"name" yaml:"name"`
	Node           string    `json:"node" yaml:"node"`
	Phase          string    `json:"phase" yaml:"phase"`
	Address        string    `json:"address,omitempty" yaml:"address,omitempty"`
	LastTransition time.Time `json:"lastTransition" yaml:"lastTransition"`
}

// RecordingView is the recording read model exposed at the boundary.
type RecordingView struct {
	ID        string    `json:"id" yaml:"id"`
	CameraID  string    `json:"cameraId" yaml:"cameraId"`
	StartTime time.Time `json:"startTime" yaml:"startTime"`
	FilePath  string    `json:"filePath,omitempty" yaml:"filePath,omitempty"`
	Node      string    `json:"node,omitempty" yaml:"node,omitempty"`
	Status    string    `json:"status" yaml:"status"`
	SizeBytes int64     `json:"sizeBytes,omitempty" yaml:"sizeBytes,omitempty"`
}

// CameraView converts a stored camera to its boundary representation.
func CameraView(c *entity.Camera) EntityView {
	return EntityView{
		ID:               c.ID,
		Kind:             string(c.Kind),
		DesiredEnabled:   c.DesiredEnabled,
		NodeConstraint:   c.NodeConstraint,
		Generation:       c.Generation,
		Status:           string(c.Status),
		LastError:        c.LastError,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
		Protocol:         string(c.Protocol),
		Source:           c.Source,
		Resolution:       c.Resolution,
		RecordingEnabled: c.RecordingEnabled,
	}
}

// AgentView converts a stored agent to its boundary representation.
func AgentView(a *entity.Agent) EntityView {
	return EntityView{
		ID:             a.ID,
		Kind:           string(a.Kind),
		DesiredEnabled: a.DesiredEnabled,
		NodeConstraint: a.NodeConstraint,
		Generation:     a.Generation,
		Status:         string(a.Status),
		LastError:      a.LastError,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
		AgentKind:      string(a.AgentKind),
		SpawnReason:    a.SpawnReason,
	}
}

// ViewWorkload converts an observed workload to its boundary representation.
func ViewWorkload(w *entity.Workload) *WorkloadView {
	if w == nil {
		return nil
	}
	return &WorkloadView{
		Name:           w.Name,
		Node:           w.Node,
		Phase:          string(w.Phase),
		Address:        w.Address,
		LastTransition: w.LastTransition,
	}
}

// ViewRecording converts a stored recording to its boundary representation.
func ViewRecording(r *entity.Recording) RecordingView {
	return RecordingView{
		ID:        r.ID,
		CameraID:  r.CameraID,
		StartTime: r.StartTime,
		FilePath:  r.FilePath,
		Node:      r.Node,
		Status:    string(r.Status),
		SizeBytes: r.SizeBytes,
	}
}
