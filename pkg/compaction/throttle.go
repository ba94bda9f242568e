package compaction

import (
	"sync"
	"time"
)

// Throttle paces compaction output to a configured byte rate
// (compaction_throughput_mb_per_sec, original_source/src/database.rs
// DatabaseConfig). No pack example imports a token-bucket/rate-limiting
// library with a concrete Go implementation — the only hit
// (rockyardkv's options.go) declares a RateLimiter field backed by cgo
// RocksDB, not an importable Go package — so this is a small stdlib-only
// limiter; see DESIGN.md.
type Throttle struct {
	mu          sync.Mutex
	bytesPerSec int64
	budget      int64
	last        time.Time
}

// NewThrottle returns a Throttle enforcing bytesPerSec, starting with a full
// one-second burst of budget, or nil (meaning unlimited) if bytesPerSec is
// non-positive.
func NewThrottle(bytesPerSec int64) *Throttle {
	if bytesPerSec <= 0 {
		return nil
	}
	return &Throttle{bytesPerSec: bytesPerSec, budget: bytesPerSec, last: time.Now()}
}

// Wait blocks, if needed, so that the caller's cumulative consumption of n
// bytes never exceeds the configured rate over time. A nil Throttle is a
// permanent no-op, so callers need not branch on whether throttling is
// configured.
func (t *Throttle) Wait(n int) {
	if t == nil || n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.budget += int64(now.Sub(t.last).Seconds() * float64(t.bytesPerSec))
	t.last = now
	if t.budget > t.bytesPerSec {
		t.budget = t.bytesPerSec // cap burst to one second's worth
	}
	t.budget -= int64(n)
	if t.budget < 0 {
		wait := time.Duration(float64(-t.budget) / float64(t.bytesPerSec) * float64(time.Second))
		time.Sleep(wait)
		t.budget = 0
	}
}
