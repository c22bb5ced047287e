package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"scanguard/internal/config"
	"scanguard/internal/model"
)

// Store archives detection runs. It is an optional side channel: the JSON
// report and the audit log remain the system of record.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveRun(ctx context.Context, batch model.DetectionBatch) error
	RecentRuns(ctx context.Context, limit int) ([]model.RunSummary, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
	// rebind rewrites '?' placeholders for drivers that number them.
	rebind func(string) string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) q(query string) string {
	if b.rebind == nil {
		return query
	}
	return b.rebind(query)
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) SaveRun(ctx context.Context, batch model.DetectionBatch) error {
	if b.db == nil || batch.RunID == "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	summary := model.Summarize(batch)
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, b.q(
		`INSERT INTO runs (run_id, generated_at, created_at, records_scored, baseline_records, fallback_mode, note, anomalies, by_severity_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		batch.RunID,
		batch.GeneratedAt,
		nowUTC(),
		batch.Metadata.RecordsScored,
		batch.Metadata.BaselineRecords,
		batch.Metadata.FallbackMode,
		batch.Metadata.Note,
		summary.Anomalies,
		encodeJSON(summary.BySeverity),
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	stmt, err := tx.PrepareContext(ctx, b.q(
		`INSERT INTO detections (run_id, ip, hostname, port, state, service, product, anomaly_score, severity, prediction, explanation_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, d := range batch.Detections {
		if _, err := stmt.ExecContext(ctx,
			batch.RunID,
			d.IP,
			d.Hostname,
			d.Port,
			d.State,
			d.Service,
			d.Product,
			d.AnomalyScore,
			string(d.Severity),
			d.Prediction,
			encodeJSON(d.Explanation),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) RecentRuns(ctx context.Context, limit int) ([]model.RunSummary, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.db.QueryContext(ctx, b.q(
		`SELECT run_id, generated_at, records_scored, baseline_records, fallback_mode, anomalies, by_severity_json
		FROM runs ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.RunSummary, 0)
	for rows.Next() {
		var s model.RunSummary
		var bySeverity string
		if err := rows.Scan(&s.RunID, &s.GeneratedAt, &s.RecordsScored, &s.BaselineRecords, &s.FallbackMode, &s.Anomalies, &bySeverity); err != nil {
			return nil, err
		}
		s.BySeverity = make(map[model.Severity]int)
		if bySeverity != "" {
			_ = json.Unmarshal([]byte(bySeverity), &s.BySeverity)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func numberedPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
