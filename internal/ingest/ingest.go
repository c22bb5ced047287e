package ingest

import (
	"context"
	"log/slog"
	"time"

	"scanguard/internal/model"
)

// Deliver hands the records of one message to the scoring stream without
// blocking. Records that do not fit in the channel are dropped and reported
// once per message; the return value is how many were not delivered.
func Deliver(ctx context.Context, out chan<- model.InventoryRecord, records []model.InventoryRecord, logger *slog.Logger) int {
	dropped := 0
	for i, rec := range records {
		if ctx.Err() != nil {
			return dropped + len(records) - i
		}
		select {
		case out <- rec:
		default:
			dropped++
		}
	}
	if dropped > 0 && logger != nil {
		logger.Warn("inventory stream full, records dropped", "dropped", dropped, "message_records", len(records))
	}
	return dropped
}

// backoff doubles the wait between failed broker calls up to ceiling and
// starts over from base after a success.
type backoff struct {
	base    time.Duration
	ceiling time.Duration
	next    time.Duration
}

func newBackoff(base, ceiling time.Duration) *backoff {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	if ceiling < base {
		ceiling = base
	}
	return &backoff{base: base, ceiling: ceiling, next: base}
}

// Wait sleeps for the current delay and reports false if ctx ended first.
func (b *backoff) Wait(ctx context.Context) bool {
	d := b.next
	b.next = min(b.next*2, b.ceiling)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *backoff) Reset() {
	b.next = b.base
}
