package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scanguard/internal/alerts"
	"scanguard/internal/audit"
	"scanguard/internal/baseline"
	"scanguard/internal/config"
	"scanguard/internal/ingest"
	"scanguard/internal/metrics"
	"scanguard/internal/model"
	"scanguard/internal/response"
	"scanguard/internal/storage"
)

// Detector is the part of the engine the API drives.
type Detector interface {
	Process(ctx context.Context, records []model.InventoryRecord) (model.DetectionBatch, error)
	Baseline() *baseline.Store
	ReloadBaseline() (*baseline.Store, error)
	Reset()
	UpdateConfig(cfg *config.Config)
	Started() time.Time
}

// AuditReader exposes the recorded audit history.
type AuditReader interface {
	Events() ([]model.AuditEvent, error)
}

type Deps struct {
	Config     *config.Manager
	Engine     Detector
	Metrics    *metrics.Store
	Collectors *metrics.Collectors
	Alerts     *alerts.Store
	Store      storage.Store
	Audit      AuditReader
	Blocker    *response.Blocker
	Logger     *slog.Logger
	Version    string
}

type Server struct {
	Deps
}

type statusResponse struct {
	Status     string         `json:"status"`
	Time       string         `json:"time"`
	Started    string         `json:"started"`
	Version    string         `json:"version"`
	ConfigPath string         `json:"config_path"`
	Baseline   baselineStatus `json:"baseline"`
	Detection  detectionInfo  `json:"detection"`
	Ingest     ingestStatus   `json:"ingest"`
	Storage    storageStatus  `json:"storage"`
}

type baselineStatus struct {
	Loaded   bool `json:"loaded"`
	Records  int  `json:"records"`
	Fallback bool `json:"fallback"`
}

type detectionInfo struct {
	ModelPath string  `json:"model_path"`
	Threshold float64 `json:"anomaly_threshold"`
	Workers   int     `json:"workers"`
}

type ingestStatus struct {
	Kafka bool   `json:"kafka"`
	Topic string `json:"topic,omitempty"`
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver,omitempty"`
}

func NewServer(deps Deps) *Server {
	if deps.Config == nil {
		deps.Config = config.NewStaticManager(nil)
	}
	return &Server{Deps: deps}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/detect", s.handleDetect)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/runs/", s.handleRuns)
	mux.HandleFunc("/baseline", s.handleBaseline)
	mux.HandleFunc("/audit", s.handleAudit)
	mux.HandleFunc("/block", s.handleBlock)
	mux.HandleFunc("/admin/reload", s.handleReload)
	mux.HandleFunc("/admin/clear", s.handleClear)
	if s.Collectors != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.Collectors.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func Start(ctx context.Context, deps Deps) *http.Server {
	if deps.Config == nil {
		return nil
	}
	logger := deps.Logger
	current := deps.Config.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(deps)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.Config.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.Version,
		ConfigPath: s.Config.Path(),
		Detection: detectionInfo{
			ModelPath: cfg.Detection.ModelPath,
			Threshold: cfg.Detection.AnomalyThreshold,
			Workers:   cfg.Detection.Workers,
		},
		Ingest:  ingestStatus{Kafka: cfg.Ingest.Kafka.Enabled},
		Storage: storageStatus{Enabled: cfg.Storage.Enabled},
	}
	if cfg.Ingest.Kafka.Enabled {
		resp.Ingest.Topic = cfg.Ingest.Kafka.Topic
	}
	if cfg.Storage.Enabled {
		resp.Storage.Driver = cfg.Storage.Driver
	}
	if s.Engine != nil {
		resp.Started = s.Engine.Started().Format(time.RFC3339Nano)
		if b := s.Engine.Baseline(); b != nil {
			resp.Baseline = baselineStatus{Loaded: true, Records: b.TotalRecords(), Fallback: b.Fallback()}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDetect scores a JSON array of records or a scan document.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("engine not running"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 16<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var records []model.InventoryRecord
	if strings.TrimSpace(string(body)) != "" {
		rows, err := ingest.ParseDocument(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		records = ingest.NormalizeRows(rows, s.Logger)
	}
	batch, err := s.Engine.Process(r.Context(), records)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, batch)
	case errors.Is(err, baseline.ErrModelNotFound):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, audit.ErrWrite):
		if s.Logger != nil {
			s.Logger.Error("audit write failed during detect", "err", err)
		}
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Alerts == nil {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []model.Alert{}, "count": 0})
		return
	}
	limit := queryInt(r, "limit", 0)
	sinceStr := r.URL.Query().Get("since")
	var list []model.Alert
	switch {
	case sinceStr != "":
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.Alerts.Since(ts)
	case r.URL.Query().Get("min_severity") != "":
		list = s.Alerts.BySeverity(model.Severity(strings.ToLower(r.URL.Query().Get("min_severity"))))
	default:
		list = s.Alerts.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/runs"), "/")
	if id != "" {
		if s.Metrics == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		summary, updated, ok := s.Metrics.Get(id)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"run":        summary,
			"updated_at": updated.Format(time.RFC3339Nano),
		})
		return
	}
	limit := queryInt(r, "limit", 50)
	var runs []model.RunSummary
	source := "memory"
	if s.Store != nil {
		archived, err := s.Store.RecentRuns(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		runs = archived
		source = "storage"
	} else if s.Metrics != nil {
		runs = s.Metrics.List(limit)
	}
	if runs == nil {
		runs = []model.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":   runs,
		"count":  len(runs),
		"source": source,
	})
}

func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var b *baseline.Store
	if s.Engine != nil {
		b = s.Engine.Baseline()
	}
	if b == nil {
		writeError(w, http.StatusNotFound, baseline.ErrModelNotFound)
		return
	}
	resp := map[string]any{
		"totals":   b.Totals(),
		"fallback": b.Fallback(),
		"distinct": map[model.Feature]int{
			model.FeaturePort:    b.Distinct(model.FeaturePort),
			model.FeatureService: b.Distinct(model.FeatureService),
			model.FeatureProduct: b.Distinct(model.FeatureProduct),
			model.FeatureCombo:   b.Distinct(model.FeatureCombo),
		},
	}
	if meta, ok := b.Metadata(); ok {
		resp["metadata"] = meta
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Audit == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	events, err := s.Audit.Events()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if typ := r.URL.Query().Get("type"); typ != "" {
		filtered := make([]model.AuditEvent, 0, len(events))
		for _, ev := range events {
			if ev.Type == typ {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	total := len(events)
	if limit := queryInt(r, "limit", 0); limit > 0 && limit < len(events) {
		events = events[len(events)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
		"total":  total,
	})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Blocker == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.IP) == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	simulated, err := s.Blocker.Block(r.Context(), req.IP)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ip": req.IP, "simulated": simulated})
	case errors.Is(err, response.ErrInvalidIP):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}

// handleReload re-reads the config file (when there is one) and the baseline.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Config.Path() != "" {
		cfg, err := s.Config.Reload()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if s.Engine != nil {
			s.Engine.UpdateConfig(cfg)
		}
	}
	if s.Engine == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	b, err := s.Engine.ReloadBaseline()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, baseline.ErrModelNotFound) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"baseline_records": b.TotalRecords(),
		"fallback":         b.Fallback(),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.Engine != nil {
			s.Engine.Reset()
		}
		if s.Metrics != nil {
			s.Metrics.Clear()
		}
		if s.Alerts != nil {
			s.Alerts.Clear()
		}
	case "alerts":
		if s.Alerts != nil {
			s.Alerts.Clear()
		}
	case "runs", "metrics":
		if s.Metrics != nil {
			s.Metrics.Clear()
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
