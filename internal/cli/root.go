// Package cli wires the scanguard commands: train, detect, serve, block and
// audit maintenance.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"scanguard/internal/alerts"
	"scanguard/internal/audit"
	"scanguard/internal/config"
	"scanguard/internal/engine"
	"scanguard/internal/logging"
	"scanguard/internal/metrics"
	"scanguard/internal/storage"
)

type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func NewRootCommand(version string) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "scanguard",
		Short: "Baseline-driven anomaly scoring for network service inventory",
		Long: `scanguard learns which ports, services and products are normal for your
network and scores fresh scan inventory against that baseline, recording
every positive detection in a durable audit log.`,
		Version:       version,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config/settings.yaml", "Path to the settings file (YAML or JSON)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "json", "Log format (json or text)")

	root.AddCommand(
		newTrainCommand(opts),
		newDetectCommand(opts),
		newServeCommand(opts, version),
		newBlockCommand(opts),
		newNotifyCommand(opts),
		newAuditCommand(opts),
	)
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetVersionTemplate(fmt.Sprintf("scanguard version %s\n", version))
	return root
}

// app is the set of long-lived components a command works with.
type app struct {
	cfgMgr     *config.Manager
	logger     *slog.Logger
	auditor    *audit.Logger
	metrics    *metrics.Store
	collectors *metrics.Collectors
	alerts     *alerts.Store
	store      storage.Store
	engine     *engine.Engine
}

func (o *globalOptions) loadConfig() (*config.Manager, *slog.Logger, error) {
	mgr, err := config.NewManager(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := mgr.Get().LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	return mgr, logging.New(nil, level, o.logFormat), nil
}

func (o *globalOptions) newApp(ctx context.Context) (*app, error) {
	mgr, logger, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()
	auditor, err := audit.New(cfg.Audit.AuditLog, cfg.Audit.EventLog,
		audit.WithFileLock(cfg.Audit.FileLock),
		audit.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init storage: %w", err)
		}
	}
	a := &app{
		cfgMgr:     mgr,
		logger:     logger,
		auditor:    auditor,
		metrics:    metrics.NewStore(cfg.Metrics.StoreLimit),
		collectors: metrics.NewCollectors(),
		alerts:     alerts.NewStore(cfg.Alerts.StoreLimit),
		store:      store,
	}
	a.engine = engine.NewEngine(cfg, logger, auditor, a.metrics, a.collectors, a.alerts, store)
	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}
