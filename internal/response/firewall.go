package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"

	"scanguard/internal/audit"
)

var (
	ErrUnsupportedBackend = errors.New("unsupported firewall backend")
	ErrInvalidIP          = errors.New("invalid ip address")
)

// Runner executes a firewall command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

var backends = map[string]func(ip string) []string{
	"ufw":      func(ip string) []string { return []string{"ufw", "deny", "from", ip} },
	"iptables": func(ip string) []string { return []string{"iptables", "-I", "INPUT", "-s", ip, "-j", "DROP"} },
}

// Blocker denies traffic from an address through the configured firewall
// backend. Every outcome is recorded in the audit log.
type Blocker struct {
	backend string
	auditor audit.Emitter
	run     Runner
	logger  *slog.Logger
}

func NewBlocker(backend string, auditor audit.Emitter, logger *slog.Logger) *Blocker {
	return &Blocker{backend: strings.ToLower(strings.TrimSpace(backend)), auditor: auditor, run: execRunner, logger: logger}
}

// WithRunner replaces command execution, mainly for tests.
func (b *Blocker) WithRunner(r Runner) *Blocker {
	b.run = r
	return b
}

// Block returns simulated=true when the backend command is not installed;
// that case is audited as firewall_block_simulated and is not an error.
func (b *Blocker) Block(ctx context.Context, ip string) (simulated bool, err error) {
	ip = strings.TrimSpace(ip)
	if net.ParseIP(ip) == nil {
		if aerr := b.emit(audit.EventResponseError, map[string]any{"ip": ip, "reason": "invalid ip address"}); aerr != nil {
			return false, aerr
		}
		return false, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	build, ok := backends[b.backend]
	if !ok {
		if aerr := b.emit(audit.EventResponseError, map[string]any{"ip": ip, "reason": "Unsupported backend " + b.backend}); aerr != nil {
			return false, aerr
		}
		return false, fmt.Errorf("%w: %s", ErrUnsupportedBackend, b.backend)
	}
	cmd := build(ip)
	out, runErr := b.run(ctx, cmd[0], cmd[1:]...)
	switch {
	case runErr == nil:
		if b.logger != nil {
			b.logger.Info("ip blocked", "ip", ip, "backend", b.backend)
		}
		return false, b.emit(audit.EventFirewallBlock, map[string]any{"ip": ip, "backend": b.backend})
	case errors.Is(runErr, exec.ErrNotFound):
		if b.logger != nil {
			b.logger.Warn("firewall command not available, block simulated", "ip", ip, "backend", b.backend)
		}
		return true, b.emit(audit.EventFirewallBlockSimulated, map[string]any{
			"ip":      ip,
			"backend": b.backend,
			"detail":  "Command not available, simulated",
		})
	default:
		reason := strings.TrimSpace(string(out))
		if reason == "" {
			reason = runErr.Error()
		}
		if aerr := b.emit(audit.EventResponseError, map[string]any{"ip": ip, "reason": reason}); aerr != nil {
			return false, aerr
		}
		return false, fmt.Errorf("block %s: %w", ip, runErr)
	}
}

func (b *Blocker) emit(eventType string, payload map[string]any) error {
	if b.auditor == nil {
		return nil
	}
	_, err := b.auditor.Append(eventType, payload)
	return err
}
