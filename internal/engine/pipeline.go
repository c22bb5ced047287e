package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"scanguard/internal/audit"
	"scanguard/internal/baseline"
	"scanguard/internal/model"
)

const (
	DefaultThreshold = 0.6

	fallbackReason = "Baseline trained without data; anomaly scoring disabled."
	emptyInputNote = "No parsed scan data available; generated informational report."

	// GeneratedAtLayout is the timestamp token used in batch reports and file names.
	GeneratedAtLayout = "20060102_150405"
)

// Pipeline scores a batch of records against one baseline. Scoring may fan
// out across Workers goroutines; finalization and audit emission always run
// in input order, one record at a time.
type Pipeline struct {
	Threshold float64
	Workers   int
	Auditor   audit.Emitter
	Logger    *slog.Logger
	Now       func() time.Time
}

type scored struct {
	score       float64
	explanation []model.ExplanationComponent
}

// Run scores records and emits one anomaly_detected event per positive
// prediction. An audit failure aborts the batch with audit.ErrWrite.
func (p *Pipeline) Run(ctx context.Context, records []model.InventoryRecord, store *baseline.Store) (model.DetectionBatch, error) {
	if store == nil {
		return model.DetectionBatch{}, errors.New("baseline store is nil")
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	fallback := store.Fallback()
	batch := model.DetectionBatch{
		RunID:       uuid.NewString(),
		GeneratedAt: now().UTC().Format(GeneratedAtLayout),
		Detections:  make([]model.Detection, 0, len(records)),
		Metadata: model.BatchMetadata{
			RecordsScored:   len(records),
			BaselineRecords: store.TotalRecords(),
			FallbackMode:    fallback,
		},
	}
	if len(records) == 0 {
		batch.Metadata.Note = emptyInputNote
	}

	var results []scored
	if !fallback {
		var err error
		results, err = p.scoreAll(ctx, records, store)
		if err != nil {
			return model.DetectionBatch{}, err
		}
	}

	for i, rec := range records {
		det := model.Detection{InventoryRecord: rec}
		var raw float64
		if fallback {
			det.Severity = model.SeverityInfo
			det.Explanation = []model.ExplanationComponent{{
				Feature: model.FeatureModel,
				Impact:  0,
				Reason:  fallbackReason,
			}}
		} else {
			raw = results[i].score
			det.AnomalyScore = round3(raw)
			det.Severity = Classify(raw)
			det.Prediction = raw > p.Threshold
			det.Explanation = results[i].explanation
		}
		batch.Detections = append(batch.Detections, det)

		if det.Prediction && p.Auditor != nil {
			if _, err := p.Auditor.Append(audit.EventAnomalyDetected, map[string]any{
				"ip":       rec.IP,
				"port":     rec.Port,
				"service":  rec.Service,
				"score":    det.AnomalyScore,
				"severity": det.Severity,
			}); err != nil {
				return model.DetectionBatch{}, fmt.Errorf("record anomaly %s:%d: %w", rec.IP, rec.Port, err)
			}
		}
	}

	if p.Logger != nil {
		p.Logger.Info("batch scored",
			"run_id", batch.RunID,
			"records", len(records),
			"baseline_records", store.TotalRecords(),
			"fallback", fallback,
			"anomalies", len(batch.Anomalies()),
		)
		if fallback && len(records) > 0 {
			p.Logger.Warn("baseline has no training records; scoring disabled", "run_id", batch.RunID)
		}
	}
	return batch, nil
}

func (p *Pipeline) scoreAll(ctx context.Context, records []model.InventoryRecord, store *baseline.Store) ([]scored, error) {
	results := make([]scored, len(records))
	workers := p.Workers
	if workers <= 1 || len(records) < 2 {
		for i, rec := range records {
			s, expl := Score(rec, store)
			results[i] = scored{score: s, explanation: expl}
		}
		return results, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range records {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, expl := Score(records[i], store)
			results[i] = scored{score: s, explanation: expl}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
