package engine

import (
	"strconv"
	"sync"
	"time"
)

// Cooldown suppresses repeated alerts for the same ip:port. Audit events
// are never suppressed; only the in-memory alert buffer and log lines are.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time), now: time.Now}
}

func (c *Cooldown) Allow(ip string, port int, cooldown time.Duration) bool {
	return c.AllowKey(ip+"|"+strconv.Itoa(port), cooldown)
}

func (c *Cooldown) AllowKey(key string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	now := c.now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok {
		if now.Sub(ts) < cooldown {
			return false
		}
	}
	c.last[key] = now
	if len(c.last) > 10000 {
		c.compact(now, cooldown)
	}
	return true
}

func (c *Cooldown) compact(now time.Time, ttl time.Duration) {
	for k, ts := range c.last {
		if now.Sub(ts) >= ttl {
			delete(c.last, k)
		}
	}
}

func (c *Cooldown) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = make(map[string]time.Time)
}
