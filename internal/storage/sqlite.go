package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:scanguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			generated_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			records_scored INTEGER NOT NULL,
			baseline_records INTEGER NOT NULL,
			fallback_mode INTEGER NOT NULL,
			note TEXT,
			anomalies INTEGER NOT NULL,
			by_severity_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS detections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ip TEXT NOT NULL,
			hostname TEXT,
			port INTEGER NOT NULL,
			state TEXT,
			service TEXT,
			product TEXT,
			anomaly_score REAL NOT NULL,
			severity TEXT NOT NULL,
			prediction INTEGER NOT NULL,
			explanation_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_run ON detections(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_ip_port ON detections(ip, port)`,
	})
}
