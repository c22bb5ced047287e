package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"scanguard/internal/model"
)

var Icons = struct {
	Success   string
	Error     string
	Warning   string
	Info      string
	Separator string
}{
	Success:   "✓",
	Error:     "✗",
	Warning:   "⚠",
	Info:      "ℹ",
	Separator: "─",
}

var Colors = struct {
	Success func(a ...interface{}) string
	Error   func(a ...interface{}) string
	Warning func(a ...interface{}) string
	Info    func(a ...interface{}) string
	Heading func(a ...interface{}) string
}{
	Success: color.New(color.FgGreen).SprintFunc(),
	Error:   color.New(color.FgRed).SprintFunc(),
	Warning: color.New(color.FgYellow).SprintFunc(),
	Info:    color.New(color.FgCyan).SprintFunc(),
	Heading: color.New(color.FgWhite, color.Bold).SprintFunc(),
}

var severityOrder = []model.Severity{
	model.SeverityCritical,
	model.SeverityHigh,
	model.SeverityMedium,
	model.SeverityLow,
	model.SeverityInfo,
}

func severityColor(s model.Severity) func(a ...interface{}) string {
	switch s {
	case model.SeverityCritical, model.SeverityHigh:
		return Colors.Error
	case model.SeverityMedium:
		return Colors.Warning
	case model.SeverityLow:
		return Colors.Info
	}
	return fmt.Sprint
}

func renderSummary(w io.Writer, path string, batch model.DetectionBatch) {
	summary := model.Summarize(batch)
	fmt.Fprintln(w, Colors.Heading("Detection report"))
	fmt.Fprintln(w, strings.Repeat(Icons.Separator, 40))
	fmt.Fprintf(w, "  run:       %s\n", batch.RunID)
	fmt.Fprintf(w, "  report:    %s\n", path)
	fmt.Fprintf(w, "  records:   %d (baseline %d)\n", summary.RecordsScored, summary.BaselineRecords)
	if batch.Metadata.FallbackMode {
		fmt.Fprintf(w, "  %s baseline has no training data; scoring disabled\n", Colors.Warning(Icons.Warning))
	}
	if batch.Metadata.Note != "" {
		fmt.Fprintf(w, "  %s %s\n", Colors.Info(Icons.Info), batch.Metadata.Note)
	}
	for _, sev := range severityOrder {
		if n := summary.BySeverity[sev]; n > 0 {
			fmt.Fprintf(w, "  %-9s  %d\n", severityColor(sev)(string(sev)), n)
		}
	}
	anomalies := batch.Anomalies()
	if len(anomalies) == 0 {
		fmt.Fprintf(w, "%s no anomalies\n", Colors.Success(Icons.Success))
		return
	}
	fmt.Fprintf(w, "%s %d anomalies\n", Colors.Error(Icons.Error), len(anomalies))
	for _, d := range anomalies {
		fmt.Fprintf(w, "  %s %s:%d %s score=%.3f\n", severityColor(d.Severity)(strings.ToUpper(string(d.Severity))), d.IP, d.Port, d.Service, d.AnomalyScore)
		for _, c := range d.Explanation {
			if c.Impact > 0 {
				fmt.Fprintf(w, "      %+.3f %s\n", c.Impact, c.Reason)
			}
		}
	}
}

func renderEvents(w io.Writer, events []model.AuditEvent, limit int) {
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	if len(events) == 0 {
		fmt.Fprintf(w, "%s audit log is empty\n", Colors.Info(Icons.Info))
		return
	}
	for _, ev := range events {
		fmt.Fprintf(w, "%s  %-26s %v\n", ev.Timestamp, Colors.Heading(ev.Type), ev.Payload)
	}
}
