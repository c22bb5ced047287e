package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"scanguard/internal/api"
	"scanguard/internal/audit"
	"scanguard/internal/baseline"
	"scanguard/internal/config"
	"scanguard/internal/ingest"
	"scanguard/internal/jobs"
	"scanguard/internal/model"
	"scanguard/internal/response"
)

func newTrainCommand(opts *globalOptions) *cobra.Command {
	var fromKafka bool
	cmd := &cobra.Command{
		Use:   "train [inventory.csv]",
		Short: "Train the baseline model from historical inventory",
		Long: `Build the frequency baseline from a parsed scan export. A missing or empty
input still produces a (fallback) model so detection never fails for lack
of training data.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !fromKafka && len(args) == 0 {
				return errors.New("an inventory file is required unless --kafka is set")
			}
			ctx := cmd.Context()
			a, err := opts.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.cfgMgr.Get()

			var records []model.InventoryRecord
			found := true
			source := ""
			if fromKafka {
				source = "kafka:" + cfg.Ingest.Kafka.Topic
				records, err = ingest.ReadKafka(ctx, cfg.Ingest.Kafka, nil, a.logger)
			} else {
				source = args[0]
				records, found, err = ingest.ReadFile(args[0], nil, a.logger)
			}
			if err != nil {
				return err
			}
			path, err := jobs.Train(ctx, cfg, source, records, found, a.auditor, a.logger)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromKafka, "kafka", false, "Read training inventory from the configured Kafka topic instead of a file")
	return cmd
}

func newDetectCommand(opts *globalOptions) *cobra.Command {
	var fromKafka bool
	var quiet bool
	cmd := &cobra.Command{
		Use:   "detect [inventory.csv]",
		Short: "Score inventory against the trained baseline",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !fromKafka && len(args) == 0 {
				return errors.New("an inventory file is required unless --kafka is set")
			}
			ctx := cmd.Context()
			a, err := opts.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.cfgMgr.Get()

			var records []model.InventoryRecord
			found := true
			if fromKafka {
				records, err = ingest.ReadKafka(ctx, cfg.Ingest.Kafka, nil, a.logger)
			} else {
				records, found, err = ingest.ReadFile(args[0], nil, a.logger)
			}
			if err != nil {
				return err
			}
			path, batch, err := jobs.Detect(ctx, a.engine, cfg, records, found, a.logger)
			if err != nil {
				return err
			}
			if quiet {
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			}
			renderSummary(cmd.OutOrStdout(), path, batch)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromKafka, "kafka", false, "Read inventory from the configured Kafka topic instead of a file")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print only the report path")
	return cmd
}

func newServeCommand(opts *globalOptions, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the streaming Kafka consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := opts.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.cfgMgr.Get()

			if _, err := a.engine.ReloadBaseline(); err != nil {
				if !errors.Is(err, baseline.ErrModelNotFound) {
					return err
				}
				a.logger.Warn("no baseline yet; detection requests will fail until one is trained", "path", cfg.Detection.ModelPath)
			}

			if cfg.Response.Email.Enabled {
				a.engine.SetNotifier(response.NewNotifier(cfg.Response.Email, a.auditor, a.logger))
			}
			blocker := response.NewBlocker(cfg.Response.Firewall.Backend, a.auditor, a.logger)
			api.Start(ctx, api.Deps{
				Config:     a.cfgMgr,
				Engine:     a.engine,
				Metrics:    a.metrics,
				Collectors: a.collectors,
				Alerts:     a.alerts,
				Store:      a.store,
				Audit:      a.auditor,
				Blocker:    blocker,
				Logger:     a.logger,
				Version:    version,
			})

			records := make(chan model.InventoryRecord, cfg.Ingest.ChannelBuffer)
			ingest.StartKafka(ctx, a.cfgMgr, nil, records, a.logger)
			errs := a.engine.Start(ctx, records)

			watchStop := make(chan struct{})
			defer close(watchStop)
			go a.cfgMgr.Watch(3*time.Second, func(next *config.Config) {
				a.engine.UpdateConfig(next)
				a.logger.Info("config reloaded", "path", a.cfgMgr.Path())
			}, func(err error) {
				a.logger.Warn("config reload failed", "err", err)
			}, watchStop)

			a.logger.Info("scanguard serving", "version", version)
			select {
			case <-ctx.Done():
				a.logger.Info("shutting down")
				return nil
			case err, ok := <-errs:
				if ok && err != nil {
					a.logger.Error("audit log unavailable, stopping", "err", err)
					return err
				}
				return nil
			}
		},
	}
}

func newBlockCommand(opts *globalOptions) *cobra.Command {
	var backend string
	cmd := &cobra.Command{
		Use:   "block <ip>",
		Short: "Block an address with the configured firewall backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if backend == "" {
				backend = a.cfgMgr.Get().Response.Firewall.Backend
			}
			simulated, err := response.NewBlocker(backend, a.auditor, a.logger).Block(ctx, args[0])
			if err != nil {
				return err
			}
			if simulated {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s not installed, block of %s simulated\n", Colors.Warning(Icons.Warning), backend, args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s blocked %s via %s\n", Colors.Success(Icons.Success), args[0], backend)
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "Firewall backend (ufw, iptables); defaults to the configured one")
	return cmd
}

func newNotifyCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "notify <subject> <body>",
		Short: "Email an operator notification with the configured SMTP settings",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			sent, err := response.NewNotifier(a.cfgMgr.Get().Response.Email, a.auditor, a.logger).Notify(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if !sent {
				fmt.Fprintf(cmd.OutOrStdout(), "%s email disabled, notification skipped\n", Colors.Warning(Icons.Warning))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s notification sent to %s\n", Colors.Success(Icons.Success), a.cfgMgr.Get().Response.Email.Recipient)
			return nil
		},
	}
}

func newAuditCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check that both audit sinks hold the same event sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, logger, err := opts.loadConfig()
			if err != nil {
				return err
			}
			cfg := mgr.Get()
			l, err := audit.New(cfg.Audit.AuditLog, cfg.Audit.EventLog, audit.WithFileLock(cfg.Audit.FileLock), audit.WithLogger(logger))
			if err != nil {
				return err
			}
			n, err := l.Verify()
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", Colors.Error(Icons.Error), err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d events consistent in %s and %s\n", Colors.Success(Icons.Success), n, cfg.Audit.AuditLog, cfg.Audit.EventLog)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "tail",
		Short: "Print the most recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, logger, err := opts.loadConfig()
			if err != nil {
				return err
			}
			cfg := mgr.Get()
			l, err := audit.New(cfg.Audit.AuditLog, cfg.Audit.EventLog, audit.WithFileLock(cfg.Audit.FileLock), audit.WithLogger(logger))
			if err != nil {
				return err
			}
			events, err := l.Events()
			if err != nil {
				return err
			}
			renderEvents(cmd.OutOrStdout(), events, 20)
			return nil
		},
	})
	return cmd
}
