// Package main wires the configured components into an executor.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/vinayprograms/agentkit/credentials"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"

	"github.com/vinayprograms/agentloop/internal/audit"
	"github.com/vinayprograms/agentloop/internal/checkpoint"
	"github.com/vinayprograms/agentloop/internal/config"
	"github.com/vinayprograms/agentloop/internal/executor"
	"github.com/vinayprograms/agentloop/internal/finalize"
	"github.com/vinayprograms/agentloop/internal/planner"
	"github.com/vinayprograms/agentloop/internal/risk"
	"github.com/vinayprograms/agentloop/internal/sandbox"
	"github.com/vinayprograms/agentloop/internal/session"
	"github.com/vinayprograms/agentloop/internal/tools"
)

// runtime holds everything a session needs.
type runtime struct {
	cfg     *config.Config
	cfgPath string
	creds   *credentials.Credentials
	logger  *logging.Logger

	// Components
	audit    audit.Multi
	store    *checkpoint.Store
	runner   *sandbox.Runner
	registry *tools.Registry
	gate     *risk.Gate
	pipeline *finalize.Pipeline
	exec     *executor.Executor
	sessions session.Store
	telem    telemetry.Exporter

	// Cleanup
	closers []func()
}

// loadConfig reads path, or agent.toml in the working directory when path
// is empty. It returns the path actually used ("" for built-in defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("loading config %s: %w", path, err)
		}
		return cfg, path, nil
	}
	if _, err := os.Stat("agent.toml"); err == nil {
		cfg, err := config.LoadFile("agent.toml")
		if err != nil {
			return nil, "", fmt.Errorf("loading config agent.toml: %w", err)
		}
		return cfg, "agent.toml", nil
	}
	return config.New(), "", nil
}

// newRuntime builds the component graph from cfg. Call close when done.
func newRuntime(ctx context.Context, cfg *config.Config, cfgPath string, creds *credentials.Credentials) (*runtime, error) {
	rt := &runtime{
		cfg:     cfg,
		cfgPath: cfgPath,
		creds:   creds,
		logger:  logging.New().WithComponent("cli"),
	}
	steps := []func(context.Context) error{
		rt.setupTelemetry,
		rt.setupAudit,
		rt.setupSandbox,
		rt.setupGate,
		rt.setupPipeline,
		rt.setupSessions,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			rt.close()
			return nil, err
		}
	}
	rt.exec = executor.New(executor.Options{
		Planner: planner.Options{
			MaxSubtasks:     cfg.Planner.MaxSubtasks,
			ValidOperations: cfg.Planner.ValidOperations,
		},
		SessionLimits: session.Limits(cfg.Session),
		MaxParallel:   cfg.Executor.MaxParallel,
	}, rt.registry, rt.gate, rt.pipeline)
	return rt, nil
}

func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// setupTelemetry creates the telemetry exporter.
func (rt *runtime) setupTelemetry(context.Context) error {
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

// setupAudit opens the configured audit sinks.
func (rt *runtime) setupAudit(context.Context) error {
	sinks, err := audit.Open(rt.cfg.Audit)
	if err != nil {
		return fmt.Errorf("opening audit trail: %w", err)
	}
	rt.audit = sinks
	rt.addCloser(func() { sinks.Close() })
	return nil
}

// setupSandbox creates the checkpoint store, the runner and the registry.
func (rt *runtime) setupSandbox(context.Context) error {
	sc := rt.cfg.Sandbox
	store, err := checkpoint.NewStore(config.ExpandHome(sc.CheckpointDir), sc.MaxCheckpoints)
	if err != nil {
		return err
	}
	if err := store.Load(); err != nil {
		rt.logger.Warn("failed to load checkpoints", map[string]interface{}{"error": err.Error()})
	}
	rt.store = store

	roots := make([]string, 0, len(sc.AllowedRoots))
	for _, r := range sc.AllowedRoots {
		roots = append(roots, config.ExpandHome(r))
	}
	rt.runner, err = sandbox.NewRunner(sandbox.Config{
		Shell:          sc.Shell,
		DefaultTimeout: config.Duration(sc.DefaultTimeout, sandbox.DefaultTimeout),
		AllowedRoots:   roots,
		MaxOutputBytes: sc.MaxOutputBytes,
	}, store)
	if err != nil {
		return fmt.Errorf("creating sandbox: %w", err)
	}

	rt.registry, err = tools.NewRegistry(tools.Shell(rt.runner), tools.Rollback(rt.runner))
	return err
}

// setupGate compiles the risk policy.
func (rt *runtime) setupGate(context.Context) error {
	var err error
	rt.gate, err = risk.NewGate(risk.PolicyFromConfig(rt.cfg.Risk), rt.audit)
	if err != nil {
		return fmt.Errorf("compiling risk policy: %w", err)
	}
	return nil
}

// setupPipeline creates the synthesis tiers. An unconfigured tier is nil and
// the pipeline falls through to the next one.
func (rt *runtime) setupPipeline(context.Context) error {
	quality, err := rt.synthesizer(rt.cfg.LLM)
	if err != nil {
		return fmt.Errorf("creating quality LLM: %w", err)
	}
	fast, err := rt.synthesizer(rt.cfg.SmallLLM)
	if err != nil {
		// The fast tier is optional; template fallback still answers.
		rt.logger.Warn("fast LLM unavailable", map[string]interface{}{"error": err.Error()})
	}

	fc := rt.cfg.Finalize
	fcfg := finalize.Config{
		Override:            finalize.Tier(fc.Override),
		SmalltalkMaxChars:   fc.SmalltalkMaxChars,
		QualityRetries:      fc.QualityRetries,
		QualityMinResults:   fc.QualityMinResults,
		QualityMinChars:     fc.QualityMinChars,
		EmptyResultPrefixes: fc.EmptyResultPrefixes,
		Timeout:             config.Duration(fc.Timeout, finalize.DefaultConfig().Timeout),
	}
	var q, f finalize.Synthesizer
	if quality != nil {
		q = quality
	}
	if fast != nil {
		f = fast
	}
	rt.pipeline = finalize.New(fcfg, q, f, finalize.DefaultHeuristic(fcfg))
	return nil
}

// synthesizer builds an LLM-backed synthesizer, or nil when no model is set.
func (rt *runtime) synthesizer(lc config.LLMConfig) (*finalize.LLMSynthesizer, error) {
	if lc.Model == "" {
		return nil, nil
	}
	provider := lc.Provider
	if provider == "" {
		provider = llm.InferProviderFromModel(lc.Model)
	}
	p, err := llm.NewProvider(llm.ProviderConfig{
		Provider:  provider,
		Model:     lc.Model,
		APIKey:    rt.apiKey(provider, lc),
		MaxTokens: lc.MaxTokens,
		BaseURL:   lc.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	return finalize.NewLLMSynthesizer(p), nil
}

// apiKey prefers the credentials file, then the configured environment variable.
func (rt *runtime) apiKey(provider string, lc config.LLMConfig) string {
	if rt.creds != nil {
		if key := rt.creds.GetAPIKey(provider); key != "" {
			return key
		}
	}
	if lc.Provider == "" {
		lc.Provider = provider
	}
	return lc.GetAPIKey()
}

// setupSessions opens the snapshot store, if one is configured.
func (rt *runtime) setupSessions(ctx context.Context) error {
	sc := rt.cfg.Snapshot
	switch sc.Backend {
	case "file":
		store, err := session.NewFileStore(config.ExpandHome(sc.Dir))
		if err != nil {
			return err
		}
		rt.sessions = store
	case "redis":
		store, err := session.NewRedisStore(ctx, session.RedisConfig{
			Address:  sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
			Prefix:   sc.RedisPrefix,
			TTL:      config.Duration(sc.TTL, 0),
		})
		if err != nil {
			return err
		}
		rt.sessions = store
		rt.addCloser(func() { store.Close() })
	}
	return nil
}

// openSession restores id from the snapshot store, or starts it fresh.
// An empty id gets a new one.
func (rt *runtime) openSession(ctx context.Context, id string) (string, error) {
	if id == "" {
		id = session.NewID()
	}
	if rt.sessions == nil {
		rt.exec.State(id)
		return id, nil
	}
	rec, err := rt.sessions.Load(ctx, id)
	switch {
	case err == nil:
		rt.exec.Open(session.Restore(rec, session.Limits(rt.cfg.Session)))
		rt.telem.LogEvent("session_restored", map[string]interface{}{"session": id, "turn": rec.Turn})
	case errors.Is(err, session.ErrNotFound):
		rt.exec.State(id)
	default:
		return "", fmt.Errorf("restoring session %s: %w", id, err)
	}
	return id, nil
}

// saveSession writes the session snapshot, if a store is configured.
func (rt *runtime) saveSession(ctx context.Context, id string) {
	if rt.sessions == nil {
		return
	}
	if err := rt.sessions.Save(ctx, rt.exec.State(id).Export()); err != nil {
		rt.logger.Warn("failed to save session", map[string]interface{}{"session": id, "error": err.Error()})
	}
}
