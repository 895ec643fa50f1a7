package upstream

import (
	"math/rand"
	"time"

	"github.com/jpillora/backoff"
)

// Backoff computes reconnect delays: min(max, base*2^attempt) plus a uniform
// jitter in [0, jitter*delay).
type Backoff struct {
	b      *backoff.Backoff
	jitter float64
	rand   func() float64
}

func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	return &Backoff{
		b: &backoff.Backoff{
			Min:    base,
			Max:    max,
			Factor: 2,
		},
		jitter: jitter,
		rand:   rand.Float64,
	}
}

// Delay returns the wait before the next dial after attempt consecutive failures.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.b.ForAttempt(float64(attempt))
	if b.jitter > 0 {
		d += time.Duration(b.jitter * b.rand() * float64(d))
	}
	return d
}
