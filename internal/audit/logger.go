// Package audit persists decision events to two sinks that must always hold
// the same sequence: a whole-document JSON file ({"events": [...]}) and an
// append-only NDJSON stream for log shippers.
package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"scanguard/internal/model"
)

var (
	// ErrWrite means an event could not be made durable in both sinks.
	ErrWrite = errors.New("audit write failed")
	// ErrDiverged means the two sinks hold different histories that cannot be reconciled.
	ErrDiverged = errors.New("audit sinks diverged")
	ErrCorrupt  = errors.New("audit log corrupt")
)

const (
	EventAnomalyDetected        = "anomaly_detected"
	EventFirewallBlock          = "firewall_block"
	EventFirewallBlockSimulated = "firewall_block_simulated"
	EventResponseError          = "response_error"
	EventModelTrained           = "model_trained"
	EventNotificationSent       = "notification_sent"
	EventNotificationSkipped    = "notification_skipped"
	EventNotificationError      = "notification_error"
)

// Emitter is the single write path handed to components that record decisions.
type Emitter interface {
	Append(eventType string, payload map[string]any) (model.AuditEvent, error)
}

type Logger struct {
	mu        sync.Mutex
	auditPath string
	eventPath string
	lockPath  string
	fileLock  bool
	now       func() time.Time
	logger    *slog.Logger
}

type Option func(*Logger)

// WithFileLock guards each append with an advisory lock on "<audit_log>.lock"
// so several processes can share the same paths.
func WithFileLock(enabled bool) Option {
	return func(l *Logger) { l.fileLock = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) { l.logger = logger }
}

type document struct {
	Events []model.AuditEvent `json:"events"`
}

func New(auditPath, eventPath string, opts ...Option) (*Logger, error) {
	if auditPath == "" || eventPath == "" {
		return nil, errors.New("audit log paths are required")
	}
	if filepath.Clean(auditPath) == filepath.Clean(eventPath) {
		return nil, errors.New("audit log and event log must be different files")
	}
	l := &Logger{
		auditPath: auditPath,
		eventPath: eventPath,
		lockPath:  auditPath + ".lock",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	for _, p := range []string{auditPath, eventPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	unlock, err := l.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := l.reconcile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) AuditPath() string { return l.auditPath }

func (l *Logger) EventPath() string { return l.eventPath }

// Append records one event in both sinks as a single critical section: the
// JSON document is rewritten in full, then the NDJSON line is appended. If
// the line cannot be written the document is rolled back.
func (l *Logger) Append(eventType string, payload map[string]any) (model.AuditEvent, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	ev := model.AuditEvent{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Type:      eventType,
		Payload:   payload,
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("%w: encode event: %v", ErrWrite, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	unlock, err := l.acquire()
	if err != nil {
		return model.AuditEvent{}, err
	}
	defer unlock()

	doc, err := l.readDocument()
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	prev := len(doc.Events)
	doc.Events = append(doc.Events, ev)
	if err := l.writeDocument(doc); err != nil {
		return model.AuditEvent{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := appendLines(l.eventPath, [][]byte{line}); err != nil {
		doc.Events = doc.Events[:prev]
		if rbErr := l.writeDocument(doc); rbErr != nil && l.logger != nil {
			l.logger.Error("audit rollback failed", "path", l.auditPath, "err", rbErr)
		}
		return model.AuditEvent{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if l.logger != nil {
		l.logger.Debug("audit event recorded", "type", eventType, "index", prev)
	}
	return ev, nil
}

// Events returns the sequence held by the JSON document.
func (l *Logger) Events() ([]model.AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	doc, err := l.readDocument()
	if err != nil {
		return nil, err
	}
	return doc.Events, nil
}

// StreamEvents returns the sequence held by the NDJSON log.
func (l *Logger) StreamEvents() ([]model.AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	events, _, err := readStream(l.eventPath)
	return events, err
}

// Verify checks that both sinks hold the same events in the same order.
func (l *Logger) Verify() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	doc, err := l.readDocument()
	if err != nil {
		return 0, err
	}
	stream, torn, err := readStream(l.eventPath)
	if err != nil {
		return 0, err
	}
	if torn >= 0 {
		return 0, fmt.Errorf("%w: torn trailing line in %s", ErrDiverged, l.eventPath)
	}
	if len(doc.Events) != len(stream) {
		return 0, fmt.Errorf("%w: %d events in %s, %d in %s", ErrDiverged, len(doc.Events), l.auditPath, len(stream), l.eventPath)
	}
	if !isPrefix(doc.Events, stream) {
		return 0, fmt.Errorf("%w: sequences differ", ErrDiverged)
	}
	return len(stream), nil
}

// reconcile repairs the sinks after a crash between the two writes. A torn
// trailing NDJSON line is dropped; when one sink is a strict prefix of the
// other the missing tail is replayed into the shorter one.
func (l *Logger) reconcile() error {
	_, statErr := os.Stat(l.auditPath)
	docExists := statErr == nil
	doc, err := l.readDocument()
	if err != nil {
		return err
	}
	stream, torn, err := readStream(l.eventPath)
	if err != nil {
		return err
	}
	if torn >= 0 {
		if err := os.Truncate(l.eventPath, torn); err != nil {
			return fmt.Errorf("%w: truncate torn line: %v", ErrWrite, err)
		}
		if l.logger != nil {
			l.logger.Warn("dropped torn audit stream line", "path", l.eventPath, "offset", torn)
		}
	}
	n, m := len(doc.Events), len(stream)
	switch {
	case n == m:
		if !isPrefix(doc.Events, stream) {
			return fmt.Errorf("%w: sequences differ", ErrDiverged)
		}
	case m < n:
		if !isPrefix(stream, doc.Events) {
			return fmt.Errorf("%w: stream is not a prefix of document", ErrDiverged)
		}
		lines := make([][]byte, 0, n-m)
		for _, ev := range doc.Events[m:] {
			b, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrWrite, err)
			}
			lines = append(lines, b)
		}
		if err := appendLines(l.eventPath, lines); err != nil {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
		if l.logger != nil {
			l.logger.Warn("replayed audit events into stream", "count", n-m)
		}
	default:
		if !isPrefix(doc.Events, stream) {
			return fmt.Errorf("%w: document is not a prefix of stream", ErrDiverged)
		}
		doc.Events = stream
		if err := l.writeDocument(doc); err != nil {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
		if l.logger != nil {
			l.logger.Warn("replayed audit events into document", "count", m-n)
		}
		docExists = true
	}
	if !docExists {
		if err := l.writeDocument(doc); err != nil {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}
	if _, err := os.Stat(l.eventPath); errors.Is(err, os.ErrNotExist) {
		if err := appendLines(l.eventPath, nil); err != nil {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}
	return nil
}

func (l *Logger) readDocument() (document, error) {
	data, err := os.ReadFile(l.auditPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return document{Events: []model.AuditEvent{}}, nil
		}
		return document{}, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return document{Events: []model.AuditEvent{}}, nil
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, l.auditPath, err)
	}
	if doc.Events == nil {
		doc.Events = []model.AuditEvent{}
	}
	return doc, nil
}

func (l *Logger) writeDocument(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(l.auditPath)
	tmp, err := os.CreateTemp(dir, ".audit-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, l.auditPath)
}

func (l *Logger) acquire() (func(), error) {
	if !l.fileLock {
		return func() {}, nil
	}
	unlock, err := lockFile(l.lockPath)
	if err != nil {
		return nil, fmt.Errorf("%w: lock %s: %v", ErrWrite, l.lockPath, err)
	}
	return unlock, nil
}

func appendLines(path string, lines [][]byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if buf.Len() > 0 {
		if _, err := f.Write(buf.Bytes()); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

// readStream parses the NDJSON log. torn is the byte offset of an
// unterminated trailing line, or -1.
func readStream(path string) (events []model.AuditEvent, torn int64, err error) {
	torn = -1
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []model.AuditEvent{}, torn, nil
		}
		return nil, torn, err
	}
	events = []model.AuditEvent{}
	var offset int64
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			torn = offset
			break
		}
		line := bytes.TrimSpace(data[:idx])
		if len(line) > 0 {
			var ev model.AuditEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				return nil, torn, fmt.Errorf("%w: %s offset %d: %v", ErrCorrupt, path, offset, err)
			}
			events = append(events, ev)
		}
		offset += int64(idx + 1)
		data = data[idx+1:]
	}
	return events, torn, nil
}

// isPrefix reports whether a is a prefix of b, comparing canonical encodings.
func isPrefix(a, b []model.AuditEvent) bool {
	if len(a) > len(b) {
		return false
	}
	for i := range a {
		ea, err1 := json.Marshal(a[i])
		eb, err2 := json.Marshal(b[i])
		if err1 != nil || err2 != nil || !bytes.Equal(ea, eb) {
			return false
		}
	}
	return true
}
