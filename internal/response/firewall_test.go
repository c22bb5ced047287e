package response

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanguard/internal/audit"
)

func newAuditor(t *testing.T) *audit.Logger {
	t.Helper()
	dir := t.TempDir()
	l, err := audit.New(filepath.Join(dir, "audit.json"), filepath.Join(dir, "events.ndjson"))
	require.NoError(t, err)
	return l
}

func lastEvent(t *testing.T, l *audit.Logger) (string, map[string]any) {
	t.Helper()
	events, err := l.Events()
	require.NoError(t, err)
	require.NotEmpty(t, events)
	ev := events[len(events)-1]
	return ev.Type, ev.Payload
}

func TestBlockSuccess(t *testing.T) {
	l := newAuditor(t)
	var gotName string
	var gotArgs []string
	b := NewBlocker("ufw", l, nil).WithRunner(func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return nil, nil
	})
	simulated, err := b.Block(context.Background(), "10.0.0.66")
	require.NoError(t, err)
	assert.False(t, simulated)
	assert.Equal(t, "ufw", gotName)
	assert.Equal(t, []string{"deny", "from", "10.0.0.66"}, gotArgs)

	typ, payload := lastEvent(t, l)
	assert.Equal(t, audit.EventFirewallBlock, typ)
	assert.Equal(t, "ufw", payload["backend"])
}

func TestBlockSimulatedWhenCommandMissing(t *testing.T) {
	l := newAuditor(t)
	b := NewBlocker("iptables", l, nil).WithRunner(func(context.Context, string, ...string) ([]byte, error) {
		return nil, &exec.Error{Name: "iptables", Err: exec.ErrNotFound}
	})
	simulated, err := b.Block(context.Background(), "10.0.0.66")
	require.NoError(t, err)
	assert.True(t, simulated)
	typ, _ := lastEvent(t, l)
	assert.Equal(t, audit.EventFirewallBlockSimulated, typ)
}

func TestBlockCommandFailure(t *testing.T) {
	l := newAuditor(t)
	b := NewBlocker("ufw", l, nil).WithRunner(func(context.Context, string, ...string) ([]byte, error) {
		return []byte("ERROR: You need to be root to run this script"), errors.New("exit status 1")
	})
	_, err := b.Block(context.Background(), "10.0.0.66")
	require.Error(t, err)
	typ, payload := lastEvent(t, l)
	assert.Equal(t, audit.EventResponseError, typ)
	assert.Contains(t, payload["reason"], "root")
}

func TestBlockUnsupportedBackend(t *testing.T) {
	l := newAuditor(t)
	b := NewBlocker("pf", l, nil)
	_, err := b.Block(context.Background(), "10.0.0.66")
	assert.ErrorIs(t, err, ErrUnsupportedBackend)
	typ, payload := lastEvent(t, l)
	assert.Equal(t, audit.EventResponseError, typ)
	assert.Equal(t, "Unsupported backend pf", payload["reason"])
}

func TestBlockRejectsInvalidIP(t *testing.T) {
	l := newAuditor(t)
	called := false
	b := NewBlocker("ufw", l, nil).WithRunner(func(context.Context, string, ...string) ([]byte, error) {
		called = true
		return nil, nil
	})
	_, err := b.Block(context.Background(), "10.0.0.1; rm -rf /")
	assert.ErrorIs(t, err, ErrInvalidIP)
	assert.False(t, called)
}
