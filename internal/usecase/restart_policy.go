package usecase

import (
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"companion/internal/domain"
)

// restartPolicy decides how long to wait before re-arming capture.
// Network failures back off exponentially; every restart also draws from a
// token bucket so a flapping recognizer cannot spin.
type restartPolicy struct {
	base    time.Duration
	max     time.Duration
	limiter *rate.Limiter
	now     func() time.Time

	mu      sync.Mutex
	backoff retry.Backoff
}

func newRestartPolicy(base, max time.Duration, burst int, interval time.Duration) *restartPolicy {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if burst <= 0 {
		burst = 5
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	p := &restartPolicy{
		base:    base,
		max:     max,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		now:     time.Now,
	}
	p.backoff = p.newBackoff()
	return p
}

func (p *restartPolicy) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(p.max, retry.NewExponential(p.base))
}

// Delay returns the wait before the next restart after err (nil for a clean end).
func (p *restartPolicy) Delay(err error) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	delay := p.base
	if domain.IsNetworkError(err) {
		next, stop := p.backoff.Next()
		if stop {
			next = p.max
		}
		delay = next
	}

	now := p.now()
	reservation := p.limiter.ReserveN(now, 1)
	if reservation.OK() {
		if wait := reservation.DelayFrom(now); wait > delay {
			delay = wait
		}
	}
	return delay
}

// Reset restarts the exponential schedule after a healthy session.
func (p *restartPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backoff = p.newBackoff()
}
