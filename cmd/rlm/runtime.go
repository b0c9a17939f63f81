// Package main wires the engine and its adapters from configuration.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vinayprograms/agentkit/credentials"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"

	"github.com/vinayprograms/rlm/internal/archive"
	"github.com/vinayprograms/rlm/internal/bus"
	"github.com/vinayprograms/rlm/internal/config"
	"github.com/vinayprograms/rlm/internal/contextobj"
	"github.com/vinayprograms/rlm/internal/engine"
	"github.com/vinayprograms/rlm/internal/escalation"
	"github.com/vinayprograms/rlm/internal/focus"
	"github.com/vinayprograms/rlm/internal/guard"
	"github.com/vinayprograms/rlm/internal/invocation"
	"github.com/vinayprograms/rlm/internal/metrics"
	"github.com/vinayprograms/rlm/internal/router"
	"github.com/vinayprograms/rlm/internal/sandbox"
)

// runtime holds the components behind one engine.
type runtime struct {
	cfg    *config.Config
	creds  *credentials.Credentials
	logger *logging.Logger

	// Components
	store    *focus.Store
	watcher  *focus.Watcher
	registry *contextobj.Registry
	index    *contextobj.Index
	router   *router.Router
	gateway  *router.Gateway
	port     sandbox.Port
	episodes *archive.FileStore
	bus      *bus.Publisher
	promReg  *prometheus.Registry
	metrics  *metrics.Metrics
	telem    telemetry.Exporter
	engine   *engine.Engine

	// Storage
	storagePath string

	// Cleanup
	closers []func()
}

// newRuntime creates a runtime from loaded configuration.
func newRuntime(cfg *config.Config, creds *credentials.Credentials) *runtime {
	return &runtime{
		cfg:         cfg,
		creds:       creds,
		logger:      logging.New().WithComponent("runtime"),
		storagePath: cfg.StoragePath(),
		store:       focus.NewStore(cfg.FocusPath(), cfg.Engine.RetryThreshold),
	}
}

// setup initializes all runtime components. Returns error on failure.
func (rt *runtime) setup(ctx context.Context) error {
	if err := os.MkdirAll(rt.storagePath, 0755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}
	if err := rt.setupTelemetry(); err != nil {
		return err
	}
	if err := rt.setupKnowledge(ctx); err != nil {
		return err
	}
	if err := rt.setupGateway(); err != nil {
		return err
	}
	rt.setupSandbox()
	if err := rt.setupMetrics(); err != nil {
		return err
	}
	if err := rt.setupArchive(); err != nil {
		return err
	}
	if err := rt.setupWatcher(); err != nil {
		return err
	}
	return rt.createEngine()
}

// setupTelemetry creates the telemetry exporter.
func (rt *runtime) setupTelemetry() error {
	var err error
	if rt.cfg.Telemetry.Enabled {
		rt.telem, err = telemetry.NewExporter(rt.cfg.Telemetry.Protocol, rt.cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("creating telemetry exporter: %w", err)
		}
	} else {
		rt.telem = telemetry.NewNoopExporter()
	}
	rt.addCloser(func() { rt.telem.Close() })
	return nil
}

// setupKnowledge creates the handle registry and the knowledge index.
func (rt *runtime) setupKnowledge(ctx context.Context) error {
	var err error
	rt.registry, err = contextobj.NewRegistry(rt.cfg.Knowledge.Handles)
	if err != nil {
		return fmt.Errorf("creating handle registry: %w", err)
	}

	if rt.cfg.Knowledge.Persist {
		rt.index, err = contextobj.OpenIndex(rt.indexPath())
	} else {
		rt.index, err = contextobj.NewMemoryIndex()
	}
	if err != nil {
		return fmt.Errorf("opening knowledge index: %w", err)
	}
	rt.addCloser(func() { rt.index.Close() })

	for _, p := range rt.cfg.Knowledge.Paths {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := rt.index.AddPath(config.ExpandHome(p))
		if err != nil {
			rt.logger.Warn("failed to index path", map[string]interface{}{"path": p, "error": err.Error()})
			continue
		}
		rt.logger.Debug("indexed path", map[string]interface{}{"path": p, "chunks": n})
	}
	return nil
}

func (rt *runtime) indexPath() string {
	return filepath.Join(rt.storagePath, "knowledge.bleve")
}

// setupGateway creates one provider per model class and registers personas.
func (rt *runtime) setupGateway() error {
	personas, errs := router.DiscoverPersonas(rt.cfg.Personas.Paths)
	for _, err := range errs {
		rt.logger.Warn("skipping persona", map[string]interface{}{"error": err.Error()})
	}
	rt.router = router.New(personas)
	rt.gateway = router.NewGateway(rt.router, rt.registry)

	capable, err := rt.createProvider(rt.cfg.LLM)
	if err != nil {
		return err
	}
	rt.gateway.Register(invocation.ClassCapable, capable, rt.cfg.LLM.Serialize)

	if rt.cfg.SmallLLM.Model != "" {
		fast, err := rt.createProvider(rt.cfg.SmallLLM)
		if err != nil {
			rt.logger.Warn("fast model unavailable, using capable model", map[string]interface{}{"error": err.Error()})
		} else {
			rt.gateway.Register(invocation.ClassFast, fast, rt.cfg.SmallLLM.Serialize)
		}
	}

	for _, p := range personas {
		if p.Profile == "" {
			continue
		}
		if _, ok := rt.cfg.Profiles[p.Profile]; !ok {
			rt.logger.Warn("persona references unknown profile", map[string]interface{}{"persona": p.Name, "profile": p.Profile})
			continue
		}
		lc := rt.cfg.GetProfile(p.Profile)
		provider, err := rt.createProvider(lc)
		if err != nil {
			return fmt.Errorf("persona %s: %w", p.Name, err)
		}
		rt.gateway.Register(invocation.DomainClass(p.Name), provider, lc.Serialize)
	}
	rt.logger.Info("gateway ready", map[string]interface{}{"classes": rt.gateway.String()})
	return nil
}

// createProvider creates an LLM provider for one model class.
func (rt *runtime) createProvider(lc config.LLMConfig) (llm.Provider, error) {
	providerName := lc.Provider
	if providerName == "" {
		providerName = llm.InferProviderFromModel(lc.Model)
	}
	if providerName == "" && lc.Model == "" {
		return nil, fmt.Errorf("LLM model not configured")
	}

	apiKey := config.APIKey(lc)
	if apiKey == "" && rt.creds != nil {
		apiKey = rt.creds.GetAPIKey(providerName)
	}
	provider, err := llm.NewProvider(llm.ProviderConfig{
		Provider:  providerName,
		Model:     lc.Model,
		APIKey:    apiKey,
		MaxTokens: lc.MaxTokens,
		BaseURL:   lc.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating LLM provider: %w", err)
	}
	return provider, nil
}

// setupSandbox creates the subprocess port.
func (rt *runtime) setupSandbox() {
	workDir := rt.cfg.Agent.Workspace
	if workDir == "" {
		workDir = filepath.Dir(rt.store.Path())
	}
	rt.port = sandbox.NewSubprocess(sandbox.SubprocessConfig{
		Interpreter:    rt.cfg.Sandbox.Interpreter,
		Args:           rt.cfg.Sandbox.Args,
		Timeout:        rt.cfg.Sandbox.Timeout.Duration,
		BlockedImports: rt.cfg.Sandbox.BlockedImports,
		Registry:       rt.registry,
		WorkDir:        workDir,
	})
}

// setupMetrics registers collectors on a private registry.
func (rt *runtime) setupMetrics() error {
	rt.promReg = prometheus.NewRegistry()
	m, err := metrics.New(rt.promReg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	rt.metrics = m
	return nil
}

// setupArchive opens the episode store and, when configured, the NATS publisher.
func (rt *runtime) setupArchive() error {
	var err error
	rt.episodes, err = archive.NewFileStore(rt.cfg.ArchiveDir())
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	if rt.cfg.Archive.NATSURL == "" {
		return nil
	}
	rt.bus, err = bus.Connect(rt.cfg.Archive.NATSURL, rt.cfg.Archive.Subject, rt.cfg.Archive.EscalateSubject)
	if err != nil {
		return err
	}
	rt.addCloser(func() { rt.bus.Close() })
	return nil
}

// setupWatcher watches the focus record for human edits.
func (rt *runtime) setupWatcher() error {
	w, err := focus.NewWatcher(rt.store)
	if err != nil {
		return err
	}
	rt.watcher = w
	rt.addCloser(func() { w.Close() })
	return nil
}

// archiver combines the local episode log with the bus.
func (rt *runtime) archiver() archive.Archiver {
	if rt.bus == nil {
		return rt.episodes
	}
	return archive.Multi{rt.episodes, rt.bus}
}

// notifier prints escalations and publishes them when a bus is configured.
func (rt *runtime) notifier() escalation.Notifier {
	n := escalation.Multi{escalation.NewWriter(os.Stderr)}
	if rt.bus != nil {
		n = append(n, rt.bus)
	}
	return n
}

// createEngine assembles the engine.
func (rt *runtime) createEngine() error {
	var pool *guard.Pool
	if rt.cfg.Engine.GlobalMaxLive > 0 {
		pool = guard.NewPool(rt.cfg.Engine.GlobalMaxLive)
	}
	eng, err := engine.New(engine.Options{
		Store:    rt.store,
		Gateway:  rt.gateway,
		Router:   rt.router,
		Port:     rt.port,
		Registry: rt.registry,
		Index:    rt.index,
		Archiver: rt.archiver(),
		Notifier: rt.notifier(),
		Metrics:  rt.metrics,
		Pool:     pool,
		Watcher:  rt.watcher,
		Config:   rt.cfg.Engine,
		Snippets: rt.cfg.Knowledge.Snippets,
		Owner:    rt.owner(),
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	rt.engine = eng
	return nil
}

// owner identifies this process in the focus lease.
func (rt *runtime) owner() string {
	host, _ := os.Hostname()
	id := rt.cfg.Agent.ID
	if id == "" {
		id = "rlm"
	}
	return fmt.Sprintf("%s@%s:%d", id, host, os.Getpid())
}

// startWatcher runs the focus watcher until ctx is done.
func (rt *runtime) startWatcher(ctx context.Context) {
	if rt.watcher != nil {
		go rt.watcher.Run(ctx)
	}
}

// logReport emits a telemetry event for a finished Run.
func (rt *runtime) logReport(r *engine.Report) {
	if r == nil {
		return
	}
	rt.telem.LogEvent("task_run", map[string]interface{}{
		"task":       r.Task.ID,
		"status":     string(r.Status),
		"iterations": r.Iterations,
		"done":       r.Final.Done(),
		"steps":      len(r.Final.Plan),
	})
}

func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// cleanup runs closers in reverse order.
func (rt *runtime) cleanup() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
