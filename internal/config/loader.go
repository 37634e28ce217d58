package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"falconeye/pkg/logging"
)

const envFileName = ".env"

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Namespace: "falcon-eye",
		StorePath: "falconeye.db",
		LogLevel:  "info",
		Reconciler: ReconcilerConfig{
			WorkerCount:      2,
			MaxRetries:       5,
			InitialBackoff:   time.Second,
			MaxBackoff:       5 * time.Minute,
			SweepInterval:    time.Minute,
			OperationTimeout: 30 * time.Second,
		},
		Health: HealthConfig{
			Interval:          30 * time.Second,
			OrphanGracePeriod: 2 * time.Minute,
			StaleTimeout:      5 * time.Minute,
		},
		Images: ImagesConfig{
			USBRelay:       "falconeye/usb-relay:latest",
			NetworkRelay:   "falconeye/net-relay:latest",
			AgentMain:      "falconeye/agent:latest",
			AgentAdapter:   "falconeye/agent-adapter:latest",
			AgentEphemeral: "falconeye/agent:latest",
		},
		Recording: RecordingConfig{
			BasePath:        "/recordings",
			FinalizeTimeout: 30 * time.Second,
			ArchiveBucket:   "falconeye-recordings",
		},
		Events: EventsConfig{
			TopicPrefix: "falconeye",
		},
	}
}

// Load reads configuration from the given YAML file, layered over the
// defaults. A missing file is not an error; the defaults are used as-is.
//
// A .env file in the working directory is loaded first so that credentials
// (MinIO, MQTT) can be kept out of config.yaml.
func Load(path string) (Config, error) {
	if err := godotenv.Load(envFileName); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Debug("ConfigLoader", "No %s loaded: %v", envFileName, err)
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config file at %s, using defaults", path)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	logging.Info("ConfigLoader", "Loaded configuration from %s", path)
	return cfg, nil
}
