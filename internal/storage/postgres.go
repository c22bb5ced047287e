package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/scanguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, rebind: numberedPlaceholders}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL UNIQUE,
			generated_at TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			records_scored INTEGER NOT NULL,
			baseline_records INTEGER NOT NULL,
			fallback_mode BOOLEAN NOT NULL,
			note TEXT,
			anomalies INTEGER NOT NULL,
			by_severity_json JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS detections (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			ip TEXT NOT NULL,
			hostname TEXT,
			port INTEGER NOT NULL,
			state TEXT,
			service TEXT,
			product TEXT,
			anomaly_score DOUBLE PRECISION NOT NULL,
			severity TEXT NOT NULL,
			prediction BOOLEAN NOT NULL,
			explanation_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_run ON detections(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_ip_port ON detections(ip, port)`,
	})
}
