package model

import "time"

type Feature string

const (
	FeaturePort    Feature = "port"
	FeatureService Feature = "service"
	FeatureProduct Feature = "product"
	FeatureCombo   Feature = "combo"
	// FeatureModel tags the single component emitted in fallback mode.
	FeatureModel Feature = "model"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank orders severities from info (0) to critical (4).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

type InventoryRecord struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	State    string `json:"state"`
	Service  string `json:"service"`
	Product  string `json:"product"`
}

// FeatureKeys holds the canonical lookup keys derived from one record.
type FeatureKeys struct {
	Port    string
	Service string
	Product string
	Combo   string
}

func (k FeatureKeys) Get(f Feature) string {
	switch f {
	case FeaturePort:
		return k.Port
	case FeatureService:
		return k.Service
	case FeatureProduct:
		return k.Product
	case FeatureCombo:
		return k.Combo
	}
	return ""
}

type ExplanationComponent struct {
	Feature Feature `json:"feature"`
	Impact  float64 `json:"impact"`
	Reason  string  `json:"reason"`
}

type Detection struct {
	InventoryRecord
	AnomalyScore float64                `json:"anomaly_score"`
	Severity     Severity               `json:"severity"`
	Prediction   bool                   `json:"prediction"`
	Explanation  []ExplanationComponent `json:"explanation"`
}

type BatchMetadata struct {
	RecordsScored   int    `json:"records_scored"`
	BaselineRecords int    `json:"baseline_records"`
	FallbackMode    bool   `json:"fallback_mode"`
	Note            string `json:"note,omitempty"`
}

type DetectionBatch struct {
	RunID       string        `json:"run_id"`
	GeneratedAt string        `json:"generated_at"`
	Detections  []Detection   `json:"detections"`
	Metadata    BatchMetadata `json:"metadata"`
}

// Anomalies returns the detections with a positive prediction, in batch order.
func (b DetectionBatch) Anomalies() []Detection {
	out := make([]Detection, 0)
	for _, d := range b.Detections {
		if d.Prediction {
			out = append(out, d)
		}
	}
	return out
}

type AuditEvent struct {
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
}

type Alert struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Detection Detection `json:"detection"`
}

type RunSummary struct {
	RunID           string           `json:"run_id"`
	GeneratedAt     string           `json:"generated_at"`
	RecordsScored   int              `json:"records_scored"`
	BaselineRecords int              `json:"baseline_records"`
	FallbackMode    bool             `json:"fallback_mode"`
	Anomalies       int              `json:"anomalies"`
	BySeverity      map[Severity]int `json:"by_severity"`
}

func Summarize(b DetectionBatch) RunSummary {
	s := RunSummary{
		RunID:           b.RunID,
		GeneratedAt:     b.GeneratedAt,
		RecordsScored:   b.Metadata.RecordsScored,
		BaselineRecords: b.Metadata.BaselineRecords,
		FallbackMode:    b.Metadata.FallbackMode,
		BySeverity:      make(map[Severity]int),
	}
	for _, d := range b.Detections {
		s.BySeverity[d.Severity]++
		if d.Prediction {
			s.Anomalies++
		}
	}
	return s
}
