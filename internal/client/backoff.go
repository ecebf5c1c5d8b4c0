package client

import (
	"math"
	"time"
)

const (
	DefaultBackoffBase = 40 * time.Millisecond
	DefaultBackoffCap  = 6 * time.Second
	DefaultRetries     = 5
)

// Backoff describes the retry ladder: attempt n waits min(Cap, Base·eⁿ).
type Backoff struct {
	Base    time.Duration
	Cap     time.Duration
	Retries int
}

// DefaultBackoff yields roughly 40ms, 110ms, 300ms, 800ms, 2.2s.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap, Retries: DefaultRetries}
}

// Delay returns the wait before retry number attempt (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	d := float64(base) * math.Exp(float64(attempt))
	if b.Cap > 0 && d > float64(b.Cap) {
		return b.Cap
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Ladder lists every delay the backoff will use.
func (b Backoff) Ladder() []time.Duration {
	out := make([]time.Duration, 0, b.Retries)
	for i := 0; i < b.Retries; i++ {
		out = append(out, b.Delay(i))
	}
	return out
}
