// Package definitions imports declarative camera and agent definitions from
// a watched directory into the registry.
//
// Layout: <dir>/cameras/<id>.yaml and <dir>/agents/<id>.yaml. The file base
// name is the entity id, so re-writing a file updates the same registry row
// and removing it marks the entity for deletion. This gives operators a
// GitOps-style path alongside the programmatic surface.
package definitions

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"falconeye/internal/api"
	"falconeye/internal/entity"
	"falconeye/pkg/logging"
)

const (
	camerasDir = "cameras"
	agentsDir  = "agents"
)

// Registry is the write surface the importer needs. *registry.Store
// implements it.
type Registry interface {
	PutCamera(ctx context.Context, c *entity.Camera) (*entity.Camera, error)
	PutAgent(ctx context.Context, a *entity.Agent) (*entity.Agent, error)
	MarkDeleting(ctx context.Context, id string) error
}

// cameraDefinition is the YAML shape of a camera definition file.
type cameraDefinition struct {
	Protocol   string `yaml:"protocol"`
	Source     string `yaml:"source"`
	Resolution string `yaml:"resolution,omitempty"`
	Node       string `yaml:"node,omitempty"`
	Enabled    bool   `yaml:"enabled"`
	Recording  bool   `yaml:"recording,omitempty"`
}

// agentDefinition is the YAML shape of an agent definition file.
type agentDefinition struct {
	Kind        string `yaml:"kind"`
	SpawnReason string `yaml:"spawn_reason,omitempty"`
	Node        string `yaml:"node,omitempty"`
	Enabled     bool   `yaml:"enabled"`
}

// Importer watches the definitions directory and applies file changes to the
// registry. Rapid successive writes to the same file are debounced.
type Importer struct {
	mu sync.Mutex

	basePath string
	registry Registry
	watcher  *fsnotify.Watcher

	debounceInterval time.Duration
	pending          map[string]*time.Timer

	stopCh  chan struct{}
	running bool
}

// NewImporter creates an importer rooted at basePath.
func NewImporter(basePath string, reg Registry) *Importer {
	return &Importer{
		basePath:         basePath,
		registry:         reg,
		debounceInterval: 500 * time.Millisecond,
		pending:          make(map[string]*time.Timer),
		stopCh:           make(chan struct{}),
	}
}

// Start imports all existing definition files, then begins watching for
// changes.
func (i *Importer) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		i.mu.Unlock()
		return err
	}
	i.watcher = watcher
	i.running = true
	i.stopCh = make(chan struct{})
	i.mu.Unlock()

	for _, dir := range []string{camerasDir, agentsDir} {
		watchPath := filepath.Join(i.basePath, dir)
		if err := os.MkdirAll(watchPath, 0755); err != nil {
			i.Stop()
			return err
		}
		if err := watcher.Add(watchPath); err != nil {
			i.Stop()
			return err
		}
	}

	i.importAll(ctx)
	go i.processEvents(ctx)

	logging.Info("Definitions", "Watching %s for definition changes", i.basePath)
	return nil
}

// Stop stops the watcher and cancels pending debounce timers.
func (i *Importer) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.running {
		return
	}
	i.running = false
	close(i.stopCh)

	for _, timer := range i.pending {
		timer.Stop()
	}
	i.pending = make(map[string]*time.Timer)

	if i.watcher != nil {
		i.watcher.Close()
		i.watcher = nil
	}
	logging.Info("Definitions", "Stopped definition importer")
}

// importAll applies every existing definition file once at startup.
func (i *Importer) importAll(ctx context.Context) {
	for _, dir := range []string{camerasDir, agentsDir} {
		entries, err := os.ReadDir(filepath.Join(i.basePath, dir))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !isYAMLFile(e.Name()) {
				continue
			}
			i.applyFile(ctx, filepath.Join(i.basePath, dir, e.Name()))
		}
	}
}

func (i *Importer) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stopCh:
			return
		case event, ok := <-i.watcher.Events:
			if !ok {
				return
			}
			i.handleEvent(ctx, event)
		case err, ok := <-i.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("Definitions", err, "Watcher error")
		}
	}
}

func (i *Importer) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !isYAMLFile(event.Name) {
		return
	}

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// A rename shows up again as a create under the new name.
		i.removeFile(ctx, event.Name)
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		i.debounceApply(ctx, event.Name)
	}
}

// debounceApply schedules an apply, collapsing a burst of writes to the same
// file into one registry update.
func (i *Importer) debounceApply(ctx context.Context, path string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.running {
		return
	}
	if timer, ok := i.pending[path]; ok {
		timer.Stop()
	}
	i.pending[path] = time.AfterFunc(i.debounceInterval, func() {
		i.mu.Lock()
		delete(i.pending, path)
		running := i.running
		i.mu.Unlock()

		if running {
			i.applyFile(ctx, path)
		}
	})
}

// applyFile parses one definition file and upserts the entity. Invalid
// definitions are logged and skipped; they never reach the registry.
func (i *Importer) applyFile(ctx context.Context, path string) {
	dir, id := splitDefinitionPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		logging.Warn("Definitions", "Failed to read %s: %v", path, err)
		return
	}

	switch dir {
	case camerasDir:
		var def cameraDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			logging.Warn("Definitions", "Invalid camera definition %s: %v", path, err)
			return
		}
		cam := &entity.Camera{
			Entity: entity.Entity{
				ID:             id,
				DesiredEnabled: def.Enabled,
				NodeConstraint: def.Node,
			},
			Protocol:         entity.Protocol(def.Protocol),
			Source:           def.Source,
			Resolution:       def.Resolution,
			RecordingEnabled: def.Recording,
		}
		if err := api.ValidateCamera(cam); err != nil {
			logging.Warn("Definitions", "Rejected camera definition %s: %v", path, err)
			return
		}
		if _, err := i.registry.PutCamera(ctx, cam); err != nil {
			logging.Warn("Definitions", "Failed to import camera %s: %v", id, err)
			return
		}
	case agentsDir:
		var def agentDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			logging.Warn("Definitions", "Invalid agent definition %s: %v", path, err)
			return
		}
		ag := &entity.Agent{
			Entity: entity.Entity{
				ID:             id,
				DesiredEnabled: def.Enabled,
				NodeConstraint: def.Node,
			},
			AgentKind:   entity.AgentKind(def.Kind),
			SpawnReason: def.SpawnReason,
		}
		if err := api.ValidateAgent(ag); err != nil {
			logging.Warn("Definitions", "Rejected agent definition %s: %v", path, err)
			return
		}
		if _, err := i.registry.PutAgent(ctx, ag); err != nil {
			logging.Warn("Definitions", "Failed to import agent %s: %v", id, err)
			return
		}
	default:
		return
	}

	logging.Info("Definitions", "Imported %s", path)
}

// removeFile marks the entity behind a deleted definition file for deletion.
func (i *Importer) removeFile(ctx context.Context, path string) {
	dir, id := splitDefinitionPath(path)
	if dir == "" || id == "" {
		return
	}

	if err := i.registry.MarkDeleting(ctx, id); err != nil && !api.IsNotFound(err) {
		logging.Warn("Definitions", "Failed to mark %s deleting: %v", id, err)
		return
	}
	logging.Info("Definitions", "Definition %s removed, entity %s marked deleting", path, id)
}

// splitDefinitionPath returns the definitions subdirectory and entity id for
// a file path.
func splitDefinitionPath(path string) (dir, id string) {
	dir = filepath.Base(filepath.Dir(path))
	if dir != camerasDir && dir != agentsDir {
		return "", ""
	}
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, ".yaml")
	name = strings.TrimSuffix(name, ".yml")
	return dir, name
}

func isYAMLFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
