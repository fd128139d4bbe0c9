package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/rahul/goalscript/internal/apps"
	"github.com/rahul/goalscript/internal/builder"
	"github.com/rahul/goalscript/internal/capability"
	"github.com/rahul/goalscript/internal/engine"
	"github.com/rahul/goalscript/internal/gateway"
	"github.com/rahul/goalscript/internal/governance"
	"github.com/rahul/goalscript/internal/modules"
	"github.com/rahul/goalscript/internal/observability"
	"github.com/rahul/goalscript/internal/retry"
	"github.com/rahul/goalscript/internal/store"
	"github.com/rahul/goalscript/pkg/config"
)

// backend is a store serving instructions, tasks and chat history.
type backend interface {
	store.InstructionStore
	store.ResponseCache
	store.TaskStore
	store.HistoryStore
}

// stack holds everything a command needs, built from the config.
type stack struct {
	cfg  *config.Config
	root string
	log  zerolog.Logger

	store    backend
	cache    store.ResponseCache
	model    llms.Model
	registry *capability.Registry
	retry    retry.Policy

	metrics *observability.Metrics
	status  *observability.Status
	tracing *observability.Tracing
	engine  *engine.Engine

	closers []io.Closer
}

// loadConfig resolves the app root and reads its config file. The --root
// flag wins over the configured root.
func loadConfig() (*config.Config, string, error) {
	dir := rootDir
	if dir == "" {
		dir = "."
	}
	path := configPath
	if path == "" {
		path = filepath.Join(dir, config.DefaultFile)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	root := rootDir
	if root == "" {
		root = cfg.App.Root
		if !filepath.IsAbs(root) && configPath != "" {
			root = filepath.Join(filepath.Dir(configPath), root)
		}
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, "", fmt.Errorf("resolve app root: %w", err)
	}
	return cfg, root, nil
}

// under resolves a configured path against the app root.
func under(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// newStack wires the store, model, modules, policy and engine. sink
// receives run output unless a gateway overrides it per run.
func newStack(ctx context.Context, sink gateway.Sink) (*stack, error) {
	cfg, root, err := loadConfig()
	if err != nil {
		return nil, err
	}

	s := &stack{cfg: cfg, root: root}

	logCfg := cfg.Logging
	logCfg.Output = outputPath(root, logCfg.Output)
	log, closer, err := observability.NewLogger(logCfg)
	if err != nil {
		return nil, err
	}
	s.log = log
	s.closers = append(s.closers, closer)

	if err := s.openStore(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.model, err = newModel(cfg)
	if err != nil {
		s.log.Warn().Err(err).Msg("No language model available; build and the llm module are disabled")
	}

	s.registry = capability.NewRegistry()
	workspace := cfg.App.Workspace
	if workspace == "" {
		workspace = root
	}
	deps := modules.Deps{
		Workspace: under(root, workspace),
		Tasks:     s.store,
		History:   s.store,
		Model:     s.model,
		Headless:  cfg.Engine.Headless,
	}
	if err := modules.Register(s.registry, deps); err != nil {
		s.Close()
		return nil, err
	}
	if cfg.App.Catalog != "" {
		if err := s.registry.LoadCatalog(under(root, cfg.App.Catalog)); err != nil {
			s.Close()
			return nil, err
		}
	}

	policy, err := governance.NewFromRules(governance.Rules{
		DenyModules:    cfg.Governance.DenyModules,
		DenyOperations: cfg.Governance.DenyOperations,
		DenyPatterns:   cfg.Governance.DenyPatterns,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	s.metrics = observability.NewMetrics(cfg.Metrics)
	s.status = observability.NewStatus()
	s.tracing, err = observability.NewTracing(cfg.Tracing, cfg.App.Name, nil)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.retry = retry.NewBackoff(cfg.Retry.MaxAttempts, cfg.Retry.MinDelay, cfg.Retry.MaxDelay, cfg.Retry.Factor, true)

	dispatcher := capability.NewDispatcher(s.registry, policy, s.log).WithObserver(s.metrics.ObserveOperation)

	opts := engine.Options{
		Dispatcher: dispatcher,
		Store:      s.store,
		Sink:       sink,
		Retry:      s.retry,
		Observer:   observability.Fanout{s.metrics, s.status},
		Tracer:     s.tracing.Tracer(),
		Log:        s.log,
		MaxDepth:   cfg.Engine.MaxDepth,
		Debug:      cfg.Engine.Debug,
	}
	if cfg.Registry.URL != "" {
		opts.Installer = apps.NewInstaller(cfg.Registry.URL, s.log)
	}
	s.engine = engine.New(opts)

	return s, nil
}

func outputPath(root, output string) string {
	switch output {
	case "", "stdout", "stderr":
		return output
	}
	return under(root, output)
}

func (s *stack) openStore(ctx context.Context) error {
	switch s.cfg.Store.Type {
	case "memory":
		s.store = store.NewMemoryStore()
	default:
		db, err := store.NewSQLiteStore(under(s.root, s.cfg.Store.Path))
		if err != nil {
			return err
		}
		s.store = db
		s.closers = append(s.closers, db)
	}

	switch s.cfg.Cache.Type {
	case "none":
	case "memory":
		s.cache = store.NewMemoryStore()
	case "redis":
		rc, err := store.NewRedisCache(s.cfg.Cache.URL)
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx); err != nil {
			rc.Close()
			return fmt.Errorf("failed to reach redis cache: %w", err)
		}
		s.cache = rc
		s.closers = append(s.closers, rc)
	default:
		s.cache = s.store
	}
	return nil
}

// newModel creates the client of the default enabled provider.
func newModel(cfg *config.Config) (llms.Model, error) {
	name, p := cfg.GetDefaultProvider()
	if name == "" {
		return nil, errors.New("no enabled provider found in config")
	}

	switch strings.ToLower(name) {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(p.APIKey),
			openai.WithModel(p.Model),
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		return openai.New(opts...)
	case "anthropic":
		opts := []anthropic.Option{
			anthropic.WithToken(p.APIKey),
			anthropic.WithModel(p.Model),
		}
		if p.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(p.BaseURL))
		}
		return anthropic.New(opts...)
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(p.Model)}
		if p.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(p.BaseURL))
		}
		return ollama.New(opts...)
	default:
		return nil, fmt.Errorf("provider %s is not supported", name)
	}
}

// oracle wraps the model for the builder, logging every exchange and
// caching responses when a cache is configured.
func (s *stack) oracle() (builder.Oracle, error) {
	if s.model == nil {
		return nil, errors.New("building requires an enabled provider")
	}

	var rec builder.Recorder = nopRecorder{}
	if s.cfg.Logging.LLMLog != "" {
		rec = observability.NewLLMLog(under(s.root, s.cfg.Logging.LLMLog))
	}

	var opts []llms.CallOption
	_, p := s.cfg.GetDefaultProvider()
	if p.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(p.Temperature))
	}

	var o builder.Oracle = builder.NewLLMOracle(s.model, rec, opts...)
	if s.cache != nil {
		c := builder.NewCachingOracle(o, s.cache, s.cfg.Cache.TTL)
		c.OnLookup = s.metrics.ObserveCache
		o = c
	}
	return o, nil
}

type nopRecorder struct{}

func (nopRecorder) RecordLLM(stage string, prompt any, response string, err error) {}

// builder creates the builder of one loaded app.
func (s *stack) builder(app *apps.App, force bool) (*builder.Builder, error) {
	o, err := s.oracle()
	if err != nil {
		return nil, err
	}
	return builder.New(app.Table, o, s.registry, s.store, builder.Options{
		Force:   force,
		Retry:   s.retry,
		Prompts: builder.NewPromptManager(under(s.root, s.cfg.App.Prompts), s.log),
		Log:     s.log,
		Observe: s.metrics.ObserveBuild,
	}), nil
}

// Close flushes traces and releases stores and log files.
func (s *stack) Close() {
	if s.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.tracing.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i].Close()
	}
}
