// Package app bootstraps the controller: configuration, registry, cluster
// access, the reconcile manager and the background monitors, wired in
// dependency order and torn down in reverse.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"

	"falconeye/internal/adapter"
	"falconeye/internal/cluster"
	"falconeye/internal/config"
	"falconeye/internal/definitions"
	"falconeye/internal/events"
	"falconeye/internal/healthmon"
	"falconeye/internal/proxy"
	"falconeye/internal/reconciler"
	"falconeye/internal/recording"
	"falconeye/internal/registry"
	"falconeye/internal/server"
	"falconeye/pkg/logging"
)

// Options controls application bootstrap.
type Options struct {
	// ConfigPath is the path of config.yaml; empty uses defaults plus
	// environment.
	ConfigPath string

	// Debug forces debug-level logging regardless of the configured level.
	Debug bool

	// LogOutput receives log lines; defaults to stdout.
	LogOutput io.Writer
}

// Application holds the wired components for one controller process.
type Application struct {
	config   config.Config
	registry *registry.Store
	manager  *reconciler.Manager
	watcher  *cluster.Watcher
	monitor  *healthmon.Monitor
	importer *definitions.Importer
	events   *events.Publisher
	handler  *server.Handler

	podEvents chan cluster.PodEvent
}

// New performs the bootstrap sequence and returns a ready-to-run application.
func New(opts Options) (*Application, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	level := logging.ParseLevel(cfg.LogLevel)
	if opts.Debug {
		level = logging.LevelDebug
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stdout
	}
	logging.Init(level, out)

	store, err := registry.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	restConfig, err := cluster.GetRestConfig()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("cluster configuration: %w", err)
	}
	client, err := cluster.NewClient(restConfig, cfg.Namespace)
	if err != nil {
		store.Close()
		return nil, err
	}

	adpt := adapter.New(cfg.Namespace, adapter.Images{
		USBRelay:       cfg.Images.USBRelay,
		NetworkRelay:   cfg.Images.NetworkRelay,
		AgentMain:      cfg.Images.AgentMain,
		AgentAdapter:   cfg.Images.AgentAdapter,
		AgentEphemeral: cfg.Images.AgentEphemeral,
	})

	entityReconciler := reconciler.NewEntityReconciler(store, client, adpt)
	manager := reconciler.NewManager(reconciler.ManagerConfig{
		WorkerCount:      cfg.Reconciler.WorkerCount,
		MaxRetries:       cfg.Reconciler.MaxRetries,
		InitialBackoff:   cfg.Reconciler.InitialBackoff,
		MaxBackoff:       cfg.Reconciler.MaxBackoff,
		SweepInterval:    cfg.Reconciler.SweepInterval,
		OperationTimeout: cfg.Reconciler.OperationTimeout,
	}, store, entityReconciler)
	store.SetNotifier(manager)

	monitor := healthmon.New(healthmon.Config{
		Interval:          cfg.Health.Interval,
		OrphanGracePeriod: cfg.Health.OrphanGracePeriod,
		StaleTimeout:      cfg.Health.StaleTimeout,
	}, store, client, manager)

	publisher, err := events.NewPublisher(events.Config{
		Broker:      cfg.Events.Broker,
		ClientID:    cfg.Events.ClientID,
		TopicPrefix: cfg.Events.TopicPrefix,
	}, store)
	if err != nil {
		// The uplink is advisory; a dead broker must not keep cameras down.
		logging.Warn("Bootstrap", "Status uplink disabled: %v", err)
	}
	if publisher != nil {
		store.SetStatusListener(publisher)
	}

	controlProxy := proxy.New(store, client)

	var archiver recording.Archiver
	if cfg.Recording.ArchiveEndpoint != "" {
		a, err := recording.NewMinioArchiver(cfg.Recording.ArchiveEndpoint,
			cfg.Recording.ArchiveBucket, cfg.Recording.ArchiveUseSSL)
		if err != nil {
			logging.Warn("Bootstrap", "Recording archive disabled: %v", err)
		} else {
			archiver = a
		}
	}
	recorder := recording.NewController(recording.Config{
		BasePath:        cfg.Recording.BasePath,
		FinalizeTimeout: cfg.Recording.FinalizeTimeout,
	}, store, client, controlProxy, archiver)

	var importer *definitions.Importer
	if cfg.DefinitionsPath != "" {
		importer = definitions.NewImporter(cfg.DefinitionsPath, store)
	}

	return &Application{
		config:    cfg,
		registry:  store,
		manager:   manager,
		watcher:   cluster.NewWatcher(restConfig, cfg.Namespace),
		monitor:   monitor,
		importer:  importer,
		events:    publisher,
		handler:   server.NewHandler(store, client, controlProxy, recorder),
		podEvents: make(chan cluster.PodEvent, 256),
	}, nil
}

// Handler returns the exposed operation facade for the API layer.
func (a *Application) Handler() *server.Handler {
	return a.handler
}

// Run starts all components and blocks until ctx is cancelled, then shuts
// them down in reverse order.
func (a *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.manager.Start(ctx)
	defer a.manager.Stop()

	if err := a.watcher.Start(ctx, a.podEvents); err != nil {
		return fmt.Errorf("start pod watcher: %w", err)
	}
	defer a.watcher.Stop()

	a.monitor.Start(ctx)
	defer a.monitor.Stop()

	if a.importer != nil {
		if err := a.importer.Start(ctx); err != nil {
			return fmt.Errorf("start definition importer: %w", err)
		}
		defer a.importer.Stop()
	}
	defer a.events.Close()
	defer a.registry.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev := <-a.podEvents:
				a.manager.HandlePodEvent(ev.EntityID)
			}
		}
	})

	logging.Info("Bootstrap", "Controller running in namespace %s", a.config.Namespace)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
