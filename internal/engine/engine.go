package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"scanguard/internal/alerts"
	"scanguard/internal/audit"
	"scanguard/internal/baseline"
	"scanguard/internal/config"
	"scanguard/internal/metrics"
	"scanguard/internal/model"
	"scanguard/internal/storage"
)

// Engine is the long-lived holder used by the CLI and the API: it keeps the
// live config and baseline and fans every scored batch out to the alert
// buffer, run metrics and the optional archive.
type Engine struct {
	logger     *slog.Logger
	metrics    *metrics.Store
	collectors *metrics.Collectors
	alerts     *alerts.Store
	store      storage.Store
	auditor    audit.Emitter
	cfg        atomic.Value
	baseline   atomic.Pointer[baseline.Store]
	cooldown   *Cooldown
	notifier   Notifier
	started    time.Time
}

// Notifier delivers an operator message; *response.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) (bool, error)
}

func NewEngine(cfg *config.Config, logger *slog.Logger, auditor audit.Emitter, metricsStore *metrics.Store, collectors *metrics.Collectors, alertsStore *alerts.Store, store storage.Store) *Engine {
	e := &Engine{
		logger:     logger,
		metrics:    metricsStore,
		collectors: collectors,
		alerts:     alertsStore,
		store:      store,
		auditor:    auditor,
		cooldown:   NewCooldown(),
		started:    time.Now().UTC(),
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) Started() time.Time {
	return e.started
}

// SetNotifier attaches the notifier used for detections at or above
// response.email.min_severity. Call it before Start.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

func (e *Engine) SetBaseline(s *baseline.Store) {
	e.baseline.Store(s)
}

func (e *Engine) Baseline() *baseline.Store {
	return e.baseline.Load()
}

// ReloadBaseline reads the configured model from disk and swaps it in.
func (e *Engine) ReloadBaseline() (*baseline.Store, error) {
	path := e.config().Detection.ModelPath
	s, err := baseline.Load(path)
	if err != nil {
		return nil, err
	}
	e.baseline.Store(s)
	if e.logger != nil {
		e.logger.Info("baseline loaded", "path", path, "records", s.TotalRecords(), "fallback", s.Fallback())
	}
	return s, nil
}

// Process scores records against the current baseline. Audit failures abort
// the batch and are returned unchanged so callers can match audit.ErrWrite.
func (e *Engine) Process(ctx context.Context, records []model.InventoryRecord) (model.DetectionBatch, error) {
	store := e.Baseline()
	if store == nil {
		return model.DetectionBatch{}, baseline.ErrModelNotFound
	}
	cfg := e.config()
	p := Pipeline{
		Threshold: cfg.Detection.AnomalyThreshold,
		Workers:   cfg.Detection.Workers,
		Auditor:   e.auditor,
		Logger:    e.logger,
	}
	batch, err := p.Run(ctx, records, store)
	if err != nil {
		if errors.Is(err, audit.ErrWrite) && e.collectors != nil {
			e.collectors.AuditFailures.Inc()
		}
		return model.DetectionBatch{}, err
	}

	now := time.Now().UTC()
	minRank := model.Severity(strings.ToLower(cfg.Response.Email.MinSeverity)).Rank()
	var notable []model.Detection
	for _, det := range batch.Anomalies() {
		if !e.cooldown.Allow(det.IP, det.Port, cfg.Alerts.Cooldown) {
			continue
		}
		if det.Severity.Rank() >= minRank {
			notable = append(notable, det)
		}
		if e.alerts != nil {
			e.alerts.Add(model.Alert{Timestamp: now, RunID: batch.RunID, Detection: det})
		}
		if e.logger != nil {
			e.logger.Warn("anomaly detected",
				"run_id", batch.RunID,
				"ip", det.IP,
				"port", det.Port,
				"service", det.Service,
				"score", det.AnomalyScore,
				"severity", det.Severity,
			)
		}
	}
	if e.metrics != nil {
		e.metrics.Update(model.Summarize(batch))
	}
	if e.collectors != nil {
		e.collectors.Observe(batch)
	}
	if e.store != nil {
		if err := e.store.SaveRun(ctx, batch); err != nil && e.logger != nil {
			e.logger.Warn("archive run failed", "run_id", batch.RunID, "err", err)
		}
	}
	if err := e.notify(ctx, batch.RunID, cfg.Response.Email.MinSeverity, notable); err != nil {
		return model.DetectionBatch{}, err
	}
	return batch, nil
}

// notify sends one message per batch. Only audit failures are returned;
// delivery errors are already audited by the notifier and only logged here.
func (e *Engine) notify(ctx context.Context, runID, minSeverity string, dets []model.Detection) error {
	if e.notifier == nil || len(dets) == 0 {
		return nil
	}
	subject := fmt.Sprintf("scanguard: %d %s+ detection(s) in run %s", len(dets), minSeverity, runID)
	var body strings.Builder
	for _, d := range dets {
		fmt.Fprintf(&body, "%s:%d service=%s product=%s score=%.3f severity=%s\n",
			d.IP, d.Port, d.Service, d.Product, d.AnomalyScore, d.Severity)
	}
	if _, err := e.notifier.Notify(ctx, subject, body.String()); err != nil {
		if errors.Is(err, audit.ErrWrite) {
			if e.collectors != nil {
				e.collectors.AuditFailures.Inc()
			}
			return err
		}
		if e.logger != nil {
			e.logger.Warn("detection notification failed", "run_id", runID, "err", err)
		}
	}
	return nil
}

// Start consumes a record stream and scores it in micro-batches of
// ingest.batch_size, flushing partial batches every ingest.flush_interval.
// The returned channel yields at most one fatal error (an audit write
// failure) after which the loop stops.
func (e *Engine) Start(ctx context.Context, in <-chan model.InventoryRecord) <-chan error {
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		cfg := e.config()
		interval := cfg.Ingest.FlushInterval
		if interval <= 0 {
			interval = 5 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		pending := make([]model.InventoryRecord, 0, max(cfg.Ingest.BatchSize, 1))
		flush := func(ctx context.Context) bool {
			if len(pending) == 0 {
				return true
			}
			batch := pending
			pending = make([]model.InventoryRecord, 0, cap(batch))
			if _, err := e.Process(ctx, batch); err != nil {
				if errors.Is(err, audit.ErrWrite) {
					errs <- err
					return false
				}
				if e.logger != nil {
					e.logger.Error("stream batch failed", "records", len(batch), "err", err)
				}
			}
			return true
		}
		for {
			select {
			case rec, ok := <-in:
				if !ok {
					flush(context.Background())
					return
				}
				pending = append(pending, rec)
				if len(pending) >= max(e.config().Ingest.BatchSize, 1) && !flush(ctx) {
					return
				}
			case <-ticker.C:
				if !flush(ctx) {
					return
				}
			case <-ctx.Done():
				flush(context.Background())
				return
			}
		}
	}()
	return errs
}

// Reset drops in-memory alerts, run summaries and alert cooldowns.
func (e *Engine) Reset() {
	e.cooldown.Reset()
	if e.alerts != nil {
		e.alerts.Clear()
	}
	if e.metrics != nil {
		e.metrics.Clear()
	}
}
