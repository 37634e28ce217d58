package entity

import (
	"time"
)

// Kind identifies the category of a declared entity.
type Kind string

const (
	// KindCamera is a declared camera feed.
	KindCamera Kind = "camera"

	// KindAgent is a declared agent process.
	KindAgent Kind = "agent"
)

// Protocol is the closed set of supported camera protocols.
//
// Adding a protocol means adding a constant here and a spec builder in the
// adapter package; there is no open-ended string dispatch anywhere else.
type Protocol string

const (
	ProtocolUSB   Protocol = "usb"
	ProtocolRTSP  Protocol = "rtsp"
	ProtocolHTTP  Protocol = "http"
	ProtocolONVIF Protocol = "onvif"
)

// Protocols lists all supported camera protocols.
var Protocols = []Protocol{ProtocolUSB, ProtocolRTSP, ProtocolHTTP, ProtocolONVIF}

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolUSB, ProtocolRTSP, ProtocolHTTP, ProtocolONVIF:
		return true
	}
	return false
}

// AgentKind distinguishes the agent workload variants.
type AgentKind string

const (
	// AgentKindMain is the long-lived primary agent.
	AgentKindMain AgentKind = "main"

	// AgentKindChannelAdapter bridges an external chat channel.
	AgentKindChannelAdapter AgentKind = "channel-adapter"

	// AgentKindEphemeral is a short-lived agent spawned by another agent.
	// Ephemeral agents always carry SpawnReason and are garbage collected
	// once their parent's session ends.
	AgentKindEphemeral AgentKind = "ephemeral"
)

// Valid reports whether k is a known agent kind.
func (k AgentKind) Valid() bool {
	switch k {
	case AgentKindMain, AgentKindChannelAdapter, AgentKindEphemeral:
		return true
	}
	return false
}

// Status is the reconciliation state of a declared entity.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"

	// StatusError means the last reconcile attempt failed and will be retried
	// with backoff.
	StatusError Status = "error"

	// StatusDegraded means retries were exhausted. The reconciler stops
	// auto-retrying until the operator mutates the entity again.
	StatusDegraded Status = "degraded"

	// StatusDeleting means the entity is disabled and awaiting confirmation
	// that no workload remains, after which it is purged.
	StatusDeleting Status = "deleting"
)

// Entity holds the declared state shared by cameras and agents.
//
// Generation increments on every mutation to desired state. The reconciler
// never applies a spec older than the generation it last observed, which is
// what prevents a stale in-flight operation from becoming the final state
// after a race.
type Entity struct {
	ID             string
	Kind           Kind
	DesiredEnabled bool

	// NodeConstraint pins the workload to a named node. Required for USB
	// cameras; optional everywhere else.
	NodeConstraint string

	Generation int64
	Status     Status
	LastError  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Camera is a declared camera feed.
type Camera struct {
	Entity

	Protocol Protocol

	// Source is a device path for usb cameras and a URL or address for
	// network protocols.
	Source string

	// Resolution is an optional "WIDTHxHEIGHT" hint passed to the relay.
	Resolution string

	RecordingEnabled bool
}

// Agent is a declared agent process.
type Agent struct {
	Entity

	AgentKind AgentKind

	// SpawnReason is the id of the parent agent for ephemeral agents.
	SpawnReason string
}

// WorkloadPhase is the observed lifecycle phase of a cluster workload.
type WorkloadPhase string

const (
	PhasePending      WorkloadPhase = "pending"
	PhaseRunning      WorkloadPhase = "running"
	PhaseCrashLooping WorkloadPhase = "crashlooping"
	PhaseTerminating  WorkloadPhase = "terminating"
	PhaseAbsent       WorkloadPhase = "absent"
)

// Workload is the observed cluster state realizing an entity.
//
// It is a read-only projection rebuilt from the cluster on every
// reconciliation tick; nothing in the system mutates a Workload in place.
type Workload struct {
	EntityID string
	Kind     Kind
	Name     string
	Node     string
	Phase    WorkloadPhase

	// Generation is the declared generation the workload was rendered from,
	// read back from the workload's labels.
	Generation int64

	LastTransition time.Time

	// Address is the internal network location used by the proxy. Empty
	// until the workload has an assigned address.
	Address string
}

// RecordingStatus is the lifecycle state of a recording.
type RecordingStatus string

const (
	RecordingActive     RecordingStatus = "active"
	RecordingFinalizing RecordingStatus = "finalizing"

	// RecordingComplete is only reached once the capture workload has
	// confirmed the output file is closed and sized. A recording must never
	// be reported complete while its file is still being written.
	RecordingComplete RecordingStatus = "complete"

	RecordingFailed RecordingStatus = "failed"
)

// Recording tracks a single camera recording from start to file handoff.
// A camera has at most one active recording at a time.
type Recording struct {
	ID        string
	CameraID  string
	StartTime time.Time
	FilePath  string
	Node      string
	Status    RecordingStatus
	SizeBytes int64
}
