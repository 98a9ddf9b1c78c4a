package orchestrator

import (
	"math/rand"
	"time"
)

// Backoff is the shared retry policy for stage jobs and offload delivery:
// exponential with jitter, capped, with a hard attempt budget.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:        5 * time.Second,
		Factor:      2,
		Cap:         5 * time.Minute,
		MaxAttempts: 6,
	}
}

func (b Backoff) normalized() Backoff {
	if b.Base <= 0 {
		b.Base = 5 * time.Second
	}
	if b.Factor < 1 {
		b.Factor = 2
	}
	if b.Cap <= 0 {
		b.Cap = 5 * time.Minute
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 6
	}
	return b
}

// Delay returns the jittered wait before retry number attempt (1-based). The
// result is uniformly drawn from [d/2, d] where d is the capped exponential
// delay, so concurrent retries do not stampede in lockstep.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base)
	for i := 1; i < attempt; i++ {
		d *= b.Factor
		if d >= float64(b.Cap) {
			d = float64(b.Cap)
			break
		}
	}
	if d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	half := int64(d / 2)
	if half <= 0 {
		return time.Duration(d)
	}
	return time.Duration(half + rand.Int63n(half+1))
}
