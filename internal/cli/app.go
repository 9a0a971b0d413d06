package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harun/conduit/internal/config"
	"github.com/harun/conduit/internal/logger"
	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/approval"
	"github.com/harun/conduit/pkg/attachments"
	"github.com/harun/conduit/pkg/orchestrator"
	"github.com/harun/conduit/pkg/provider"
	"github.com/harun/conduit/pkg/session"
	"github.com/harun/conduit/pkg/tokens"
)

// appOptions selects the optional parts of an app.
type appOptions struct {
	// console mirrors logs to stderr
	console bool
	// watch hot-reloads tool defaults from the config file
	watch bool
	// providerOpts are appended to the options of both adapters
	providerOpts []provider.Option
}

// app bundles everything one command needs to drive agents.
type app struct {
	cfg      *config.Config
	loader   *config.Loader
	logger   *logger.Logger
	janitor  *attachments.Janitor
	registry *session.Registry
	broker   *approval.Broker
	orch     *orchestrator.Orchestrator
	watcher  *config.Watcher

	tracing   bool
	traceFile io.Closer
}

// loadConfig reads and validates the config selected by --config, applying
// --log-level on top.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

// newApp wires config, logging, tracing, the audit log and the
// orchestrator with both provider adapters.
func newApp(cmd *cobra.Command, opts appOptions) (_ *app, err error) {
	cfg, loader, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	rt := &app{cfg: cfg, loader: loader}
	defer func() {
		if err != nil {
			rt.Close(context.Background())
		}
	}()

	rt.logger, err = logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   opts.console,
		Pretty:    cfg.Logging.Pretty,
		Output:    cmd.ErrOrStderr(),
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := rt.initTracing(); err != nil {
		return nil, err
	}

	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.jsonl")); err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	rt.janitor, err = attachments.NewJanitor(cfg.AttachmentTTL(), cfg.Attachments.SweepSchedule)
	if err != nil {
		return nil, err
	}
	if err := rt.janitor.Start(); err != nil {
		return nil, err
	}

	defaultProvider, err := provider.ParseName(cfg.Provider)
	if err != nil {
		return nil, err
	}

	rt.registry = session.NewRegistry()
	rt.broker = approval.NewBroker()

	adapterOpts := append([]provider.Option{
		provider.WithCLIPath(cfg.Claude.CLIPath),
		provider.WithAccountant(tokens.NewAccountant(cfg.Budget.ContextWindow)),
		provider.WithJanitor(rt.janitor),
		provider.WithApprovalTimeout(cfg.ApprovalTimeout()),
	}, opts.providerOpts...)

	rt.orch = orchestrator.New(rt.registry, rt.broker,
		orchestrator.WithProvider(provider.NewProcessAdapter(rt.registry, adapterOpts...)),
		orchestrator.WithProvider(provider.NewSDKAdapter(rt.registry, rt.broker, adapterOpts...)),
		orchestrator.WithDefaultProvider(defaultProvider),
		orchestrator.WithDefaultModel(cfg.Claude.Model),
		orchestrator.WithMaxConcurrent(cfg.Runs.MaxConcurrent),
		orchestrator.WithToolDefaults(toolDefaults(cfg.Tools)),
	)

	if opts.watch {
		rt.startWatcher()
	}

	log.Debug().
		Str("provider", string(defaultProvider)).
		Str("model", cfg.Claude.Model).
		Str("data_dir", cfg.DataDir).
		Msg("Runtime ready")

	return rt, nil
}

func (rt *app) initTracing() error {
	if !rt.cfg.Tracing.Enabled {
		return nil
	}

	path := rt.cfg.Tracing.File
	if path == "" {
		path = filepath.Join(rt.cfg.DataDir, "traces.jsonl")
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	if err := tracing.InitOpenTelemetry(rt.cfg.Tracing.ServiceName, f); err != nil {
		f.Close()
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	rt.tracing = true
	rt.traceFile = f
	return nil
}

// startWatcher follows the config file. A watcher that cannot start only
// disables hot reload.
func (rt *app) startWatcher() {
	w, err := config.NewWatcher(config.WatcherConfig{
		Loader:  rt.loader,
		Initial: rt.cfg.Tools,
		OnToolsChanged: func(tools config.ToolsConfig) {
			rt.orch.SetToolDefaults(toolDefaults(tools))
		},
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config hot reload disabled")
		return
	}
	if err := w.Start(); err != nil {
		w.Stop()
		log.Warn().Err(err).Msg("Config hot reload disabled")
		return
	}
	rt.watcher = w
}

// Close releases everything newApp acquired, in reverse order. Runs still
// in flight are cancelled.
func (rt *app) Close(ctx context.Context) error {
	var result *multierror.Error

	if rt.watcher != nil {
		if err := rt.watcher.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if rt.orch != nil {
		if err := rt.orch.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if rt.janitor != nil {
		rt.janitor.Stop()
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if rt.tracing {
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if rt.traceFile != nil {
		if err := rt.traceFile.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if rt.logger != nil {
		if err := rt.logger.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func toolDefaults(t config.ToolsConfig) orchestrator.ToolDefaults {
	settings := t.ToolsSettings()
	return orchestrator.ToolDefaults{
		Allowed:         settings.AllowedTools,
		Disallowed:      settings.DisallowedTools,
		SkipPermissions: settings.SkipPermissions,
		PermissionMode:  provider.PermissionMode(strings.TrimSpace(t.PermissionMode)),
	}
}
