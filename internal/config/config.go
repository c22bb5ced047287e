package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrParse marks a configuration document that cannot be decoded or fails validation.
var ErrParse = errors.New("config parse error")

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Audit     AuditConfig     `json:"audit" yaml:"audit"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
	Response  ResponseConfig  `json:"response" yaml:"response"`
}

type DetectionConfig struct {
	ModelPath        string  `json:"model_path" yaml:"model_path"`
	ExplanationDir   string  `json:"explanation_dir" yaml:"explanation_dir"`
	AnomalyThreshold float64 `json:"anomaly_threshold" yaml:"anomaly_threshold"`
	Workers          int     `json:"workers" yaml:"workers"`
}

type AuditConfig struct {
	AuditLog string `json:"audit_log" yaml:"audit_log"`
	EventLog string `json:"event_log" yaml:"event_log"`
	FileLock bool   `json:"file_lock" yaml:"file_lock"`
}

type IngestConfig struct {
	ChannelBuffer int           `json:"channel_buffer" yaml:"channel_buffer"`
	BatchSize     int           `json:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
	Kafka         KafkaConfig   `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Brokers     []string      `json:"brokers" yaml:"brokers"`
	Topic       string        `json:"topic" yaml:"topic"`
	GroupID     string        `json:"group_id" yaml:"group_id"`
	MaxRecords  int           `json:"max_records" yaml:"max_records"`
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type AlertsConfig struct {
	StoreLimit int           `json:"store_limit" yaml:"store_limit"`
	Cooldown   time.Duration `json:"cooldown" yaml:"cooldown"`
}

type ResponseConfig struct {
	Firewall FirewallConfig `json:"firewall" yaml:"firewall"`
	Email    EmailConfig    `json:"email" yaml:"email"`
}

type FirewallConfig struct {
	Backend string `json:"backend" yaml:"backend"`
}

// EmailConfig drives operator notifications. MinSeverity is the lowest
// detection severity serve notifies about.
type EmailConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	SMTPServer  string `json:"smtp_server" yaml:"smtp_server"`
	SMTPPort    int    `json:"smtp_port" yaml:"smtp_port"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	Recipient   string `json:"recipient" yaml:"recipient"`
	MinSeverity string `json:"min_severity" yaml:"min_severity"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Detection: DetectionConfig{
			ModelPath:        "models/baseline_model.json",
			ExplanationDir:   "logs/explanations",
			AnomalyThreshold: 0.6,
			Workers:          1,
		},
		Audit: AuditConfig{
			AuditLog: "logs/audit.json",
			EventLog: "logs/events.ndjson",
			FileLock: true,
		},
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			BatchSize:     500,
			FlushInterval: 5 * time.Second,
			Kafka:         KafkaConfig{Enabled: false, MaxRecords: 10000, IdleTimeout: 10 * time.Second},
		},
		API:      APIConfig{Enabled: true, Addr: ":8081"},
		Storage:  StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:scanguard.db?_pragma=busy_timeout(5000)"},
		Metrics:  MetricsConfig{StoreLimit: 500},
		Alerts:   AlertsConfig{StoreLimit: 1000},
		Response: ResponseConfig{
			Firewall: FirewallConfig{Backend: "ufw"},
			Email:    EmailConfig{SMTPPort: 587, MinSeverity: "critical"},
		},
	}
}

// Load reads a JSON or YAML document. A missing or blank file yields the
// defaults; a malformed one is ErrParse.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return cfg, nil
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, decodeErr)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Detection.ModelPath == "" {
		cfg.Detection.ModelPath = def.Detection.ModelPath
	}
	if cfg.Detection.ExplanationDir == "" {
		cfg.Detection.ExplanationDir = def.Detection.ExplanationDir
	}
	if cfg.Detection.Workers <= 0 {
		cfg.Detection.Workers = 1
	}
	if cfg.Audit.AuditLog == "" {
		cfg.Audit.AuditLog = def.Audit.AuditLog
	}
	if cfg.Audit.EventLog == "" {
		cfg.Audit.EventLog = def.Audit.EventLog
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = def.Metrics.StoreLimit
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = def.Alerts.StoreLimit
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.BatchSize <= 0 {
		cfg.Ingest.BatchSize = def.Ingest.BatchSize
	}
	if cfg.Ingest.FlushInterval <= 0 {
		cfg.Ingest.FlushInterval = def.Ingest.FlushInterval
	}
	if cfg.Ingest.Kafka.MaxRecords <= 0 {
		cfg.Ingest.Kafka.MaxRecords = def.Ingest.Kafka.MaxRecords
	}
	if cfg.Ingest.Kafka.IdleTimeout <= 0 {
		cfg.Ingest.Kafka.IdleTimeout = def.Ingest.Kafka.IdleTimeout
	}
	if cfg.Response.Firewall.Backend == "" {
		cfg.Response.Firewall.Backend = def.Response.Firewall.Backend
	}
	if cfg.Response.Email.SMTPPort <= 0 {
		cfg.Response.Email.SMTPPort = def.Response.Email.SMTPPort
	}
	if cfg.Response.Email.MinSeverity == "" {
		cfg.Response.Email.MinSeverity = def.Response.Email.MinSeverity
	}
}

func Validate(cfg *Config) error {
	if cfg.Detection.AnomalyThreshold < 0 || cfg.Detection.AnomalyThreshold > 1 {
		return fmt.Errorf("detection.anomaly_threshold must be within [0,1], got %v", cfg.Detection.AnomalyThreshold)
	}
	if cfg.Audit.AuditLog == cfg.Audit.EventLog {
		return errors.New("audit.audit_log and audit.event_log must be different files")
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	switch strings.ToLower(cfg.Response.Email.MinSeverity) {
	case "critical", "high", "medium", "low", "info":
	default:
		return fmt.Errorf("response.email.min_severity %q not a severity", cfg.Response.Email.MinSeverity)
	}
	if cfg.Response.Email.Enabled && (cfg.Response.Email.SMTPServer == "" || cfg.Response.Email.Recipient == "") {
		return errors.New("response.email requires smtp_server and recipient when enabled")
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("storage.driver %q not supported", cfg.Storage.Driver)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an already loaded config that is never reloaded.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
