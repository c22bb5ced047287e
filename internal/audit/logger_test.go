package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanguard/internal/model"
)

func newTestLogger(t *testing.T, opts ...Option) (*Logger, string, string) {
	t.Helper()
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "logs", "audit.json")
	eventPath := filepath.Join(dir, "logs", "events.ndjson")
	l, err := New(auditPath, eventPath, opts...)
	require.NoError(t, err)
	return l, auditPath, eventPath
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Count(string(data), "\n")
}

func TestNewInitialisesSinks(t *testing.T) {
	_, auditPath, eventPath := newTestLogger(t)
	data, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	var doc map[string][]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "events")
	assert.Empty(t, doc["events"])
	assert.Equal(t, 0, countLines(t, eventPath))
}

func TestAppendKeepsSinksConsistent(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l, _, eventPath := newTestLogger(t, WithClock(func() time.Time { return fixed }))

	const n = 25
	for i := 0; i < n; i++ {
		ev, err := l.Append(EventAnomalyDetected, map[string]any{"seq": i, "ip": "10.0.0.1"})
		require.NoError(t, err)
		assert.Equal(t, "2026-01-02T03:04:05Z", ev.Timestamp)
	}

	docEvents, err := l.Events()
	require.NoError(t, err)
	streamEvents, err := l.StreamEvents()
	require.NoError(t, err)
	require.Len(t, docEvents, n)
	require.Len(t, streamEvents, n)
	assert.Equal(t, n, countLines(t, eventPath))
	for i := 0; i < n; i++ {
		assert.Equal(t, float64(i), docEvents[i].Payload["seq"])
		assert.Equal(t, docEvents[i], streamEvents[i])
	}
	count, err := l.Verify()
	require.NoError(t, err)
	assert.Equal(t, n, count)
}

func TestConcurrentWritersShareLog(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.json")
	eventPath := filepath.Join(dir, "events.ndjson")
	a, err := New(auditPath, eventPath, WithFileLock(true))
	require.NoError(t, err)
	b, err := New(auditPath, eventPath, WithFileLock(true))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w, l := range []*Logger{a, b, a, b} {
		wg.Add(1)
		go func(w int, l *Logger) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := l.Append("test", map[string]any{"writer": w, "i": i})
				assert.NoError(t, err)
			}
		}(w, l)
	}
	wg.Wait()

	count, err := a.Verify()
	require.NoError(t, err)
	assert.Equal(t, 80, count)
}

func TestReconcileReplaysMissingStreamTail(t *testing.T) {
	l, auditPath, eventPath := newTestLogger(t)
	for i := 0; i < 3; i++ {
		_, err := l.Append("test", map[string]any{"i": i})
		require.NoError(t, err)
	}
	// Crash after the document write but before the stream append: drop the
	// last line and leave half of it behind.
	data, err := os.ReadFile(eventPath)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	truncated := lines[0] + lines[1] + lines[2][:10]
	require.NoError(t, os.WriteFile(eventPath, []byte(truncated), 0o644))

	reopened, err := New(auditPath, eventPath)
	require.NoError(t, err)
	count, err := reopened.Verify()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestReconcileReplaysMissingDocumentTail(t *testing.T) {
	l, auditPath, eventPath := newTestLogger(t)
	for i := 0; i < 2; i++ {
		_, err := l.Append("test", map[string]any{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(auditPath, []byte(`{"events": []}`), 0o644))

	reopened, err := New(auditPath, eventPath)
	require.NoError(t, err)
	events, err := reopened.Events()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, float64(1), events[1].Payload["i"])
}

func TestReconcileRejectsDivergence(t *testing.T) {
	l, auditPath, eventPath := newTestLogger(t)
	_, err := l.Append("first", nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(eventPath, []byte(`{"timestamp":"x","type":"other","payload":{}}`+"\n"), 0o644))

	_, err = New(auditPath, eventPath)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDiverged))
}

func TestAppendFailureIsReportedAndRolledBack(t *testing.T) {
	l, _, eventPath := newTestLogger(t)
	_, err := l.Append("ok", nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(eventPath))
	require.NoError(t, os.Mkdir(eventPath, 0o755))

	_, err = l.Append("lost", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWrite))

	events, err := l.Events()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].Type)
}

func TestNewRejectsSamePath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "audit.json")
	_, err := New(p, p)
	assert.Error(t, err)
}

var _ Emitter = (*Logger)(nil)

func ExampleLogger_Append() {
	dir, _ := os.MkdirTemp("", "audit")
	defer os.RemoveAll(dir)
	l, _ := New(filepath.Join(dir, "audit.json"), filepath.Join(dir, "events.ndjson"))
	_, _ = l.Append(EventAnomalyDetected, map[string]any{"ip": "10.0.0.9", "port": 31337})
	n, _ := l.Verify()
	fmt.Println(n)
	// Output: 1
}

func TestEventTimestampIsUTC(t *testing.T) {
	loc := time.FixedZone("X", 3*3600)
	l, _, _ := newTestLogger(t, WithClock(func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, loc) }))
	ev, err := l.Append("tz", nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-05-01T09:00:00Z", ev.Timestamp)
	assert.Equal(t, model.AuditEvent{Timestamp: ev.Timestamp, Type: "tz", Payload: map[string]any{}}, ev)
}
