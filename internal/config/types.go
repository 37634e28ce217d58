package config

import "time"

// Config is the full runtime configuration for the falconeye controller.
type Config struct {
	// Namespace is the Kubernetes namespace all managed workloads live in.
	Namespace string `yaml:"namespace"`

	// StorePath is the path of the SQLite registry database.
	StorePath string `yaml:"storePath"`

	// DefinitionsPath, when set, is a directory of camera/agent YAML
	// definitions imported into the registry at startup and on change.
	DefinitionsPath string `yaml:"definitionsPath"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`

	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Health     HealthConfig     `yaml:"health"`
	Images     ImagesConfig     `yaml:"images"`
	Recording  RecordingConfig  `yaml:"recording"`
	Events     EventsConfig     `yaml:"events"`
}

// ReconcilerConfig tunes the reconciliation loop.
type ReconcilerConfig struct {
	// WorkerCount is the number of concurrent reconciliation workers.
	WorkerCount int `yaml:"workerCount"`

	// MaxRetries is the number of consecutive failures before an entity is
	// marked degraded and auto-retry stops.
	MaxRetries int `yaml:"maxRetries"`

	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`

	// SweepInterval is the period of the full registry-vs-cluster diff that
	// catches drift the event path missed.
	SweepInterval time.Duration `yaml:"sweepInterval"`

	// OperationTimeout bounds each cluster create/update/delete call.
	OperationTimeout time.Duration `yaml:"operationTimeout"`
}

// HealthConfig tunes the health monitor / garbage collector.
type HealthConfig struct {
	// Interval is the sweep period, independent of the reconciler's event
	// path.
	Interval time.Duration `yaml:"interval"`

	// OrphanGracePeriod is how long a managed cluster object may exist
	// without a matching enabled entity before it is deleted. The grace
	// period avoids racing a workload the reconciler is still creating.
	OrphanGracePeriod time.Duration `yaml:"orphanGracePeriod"`

	// StaleTimeout is how long an entity may sit in provisioning or error
	// before the monitor re-triggers reconciliation.
	StaleTimeout time.Duration `yaml:"staleTimeout"`
}

// ImagesConfig maps workload variants to container images. Defaults cover the
// stock relay images; operators override for air-gapped registries.
type ImagesConfig struct {
	USBRelay       string `yaml:"usbRelay"`
	NetworkRelay   string `yaml:"networkRelay"`
	AgentMain      string `yaml:"agentMain"`
	AgentAdapter   string `yaml:"agentAdapter"`
	AgentEphemeral string `yaml:"agentEphemeral"`
}

// RecordingConfig tunes the recording controller and archive upload.
type RecordingConfig struct {
	// BasePath is the shared recordings mount visible to camera workloads.
	BasePath string `yaml:"basePath"`

	// FinalizeTimeout bounds the wait for a workload to confirm the output
	// file is closed and sized.
	FinalizeTimeout time.Duration `yaml:"finalizeTimeout"`

	// Archive settings for the S3-compatible upload of completed
	// recordings. Credentials come from the environment
	// (MINIO_ACCESS_KEY / MINIO_SECRET_KEY).
	ArchiveEndpoint string `yaml:"archiveEndpoint"`
	ArchiveBucket   string `yaml:"archiveBucket"`
	ArchiveUseSSL   bool   `yaml:"archiveUseSSL"`
}

// EventsConfig configures the MQTT status uplink. An empty broker disables
// publishing.
type EventsConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"clientId"`
	// TopicPrefix defaults to "falconeye".
	TopicPrefix string `yaml:"topicPrefix"`
}
