package engine

import "scanguard/internal/model"

type severityThreshold struct {
	min   float64
	label model.Severity
}

// severityTable is evaluated top-down; the first threshold the score meets wins.
var severityTable = []severityThreshold{
	{0.85, model.SeverityCritical},
	{0.70, model.SeverityHigh},
	{0.55, model.SeverityMedium},
	{0.0, model.SeverityLow},
}

// Classify maps a score to its severity label; negative scores are info.
func Classify(score float64) model.Severity {
	for _, t := range severityTable {
		if score >= t.min {
			return t.label
		}
	}
	return model.SeverityInfo
}
