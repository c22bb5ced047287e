// Package jobs runs the file-level train and detect commands shared by the
// CLI and the API.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"scanguard/internal/audit"
	"scanguard/internal/baseline"
	"scanguard/internal/config"
	"scanguard/internal/engine"
	"scanguard/internal/model"
)

// Train builds a baseline from records and writes it to the configured
// model path. Missing or empty input is not an error: the empty baseline is
// written instead. Only a failure to persist the model is reported, wrapped
// in baseline.ErrModelWrite.
func Train(ctx context.Context, cfg *config.Config, source string, records []model.InventoryRecord, found bool, auditor audit.Emitter, logger *slog.Logger) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var store *baseline.Store
	switch {
	case len(records) > 0:
		store = baseline.Build(records)
	case !found:
		if logger != nil {
			logger.Warn("training data not found, generated fallback baseline", "source", source)
		}
		store = baseline.Empty()
	default:
		if logger != nil {
			logger.Warn("no records in training data, generated fallback baseline", "source", source)
		}
		store = baseline.Empty()
	}
	store = store.WithMetadata(baseline.Metadata{
		Source:   source,
		Records:  len(records),
		Fallback: len(records) == 0,
	})

	path := cfg.Detection.ModelPath
	if err := baseline.Save(path, store); err != nil {
		return "", err
	}
	if logger != nil {
		logger.Info("baseline trained", "path", path, "records", len(records), "fallback", store.Fallback())
	}
	if auditor != nil {
		if _, err := auditor.Append(audit.EventModelTrained, map[string]any{
			"model_path": path,
			"source":     source,
			"records":    len(records),
			"fallback":   store.Fallback(),
		}); err != nil {
			return path, fmt.Errorf("record training: %w", err)
		}
	}
	return path, nil
}

// Detect loads the persisted baseline into eng, scores records and writes
// the batch report to <explanation_dir>/detections_<generated_at>.json.
func Detect(ctx context.Context, eng *engine.Engine, cfg *config.Config, records []model.InventoryRecord, found bool, logger *slog.Logger) (string, model.DetectionBatch, error) {
	if _, err := eng.ReloadBaseline(); err != nil {
		return "", model.DetectionBatch{}, err
	}
	if !found && logger != nil {
		logger.Warn("no parsed scan data available, generating informational report")
	}
	batch, err := eng.Process(ctx, records)
	if err != nil {
		return "", model.DetectionBatch{}, err
	}
	path, err := WriteReport(cfg.Detection.ExplanationDir, batch)
	if err != nil {
		return "", batch, err
	}
	if logger != nil {
		logger.Info("detection report written", "path", path, "records", batch.Metadata.RecordsScored, "anomalies", len(batch.Anomalies()))
	}
	return path, batch, nil
}

// WriteReport stores batch as indented JSON under dir. Runs that share a
// second get a numeric suffix rather than overwriting each other.
func WriteReport(dir string, batch model.DetectionBatch) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	data, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	base := "detections_" + batch.GeneratedAt
	path := filepath.Join(dir, base+".json")
	for i := 1; ; i++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if os.IsExist(err) {
				path = filepath.Join(dir, fmt.Sprintf("%s_%d.json", base, i))
				continue
			}
			return "", fmt.Errorf("write report: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return "", fmt.Errorf("write report: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("write report: %w", err)
		}
		return path, nil
	}
}
