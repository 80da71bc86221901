package pool

import (
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures the optional per-endpoint circuit breaker.
type BreakerSettings struct {
	// Threshold is the number of consecutive failed requests that opens
	// the breaker.
	Threshold uint32

	// Cooldown is how long an open breaker rejects requests before letting
	// a probe through.
	Cooldown time.Duration
}

type breaker = gobreaker.TwoStepCircuitBreaker

// Allow asks the endpoint's circuit breaker for permission to send a
// request. The returned done func must be called with the request's outcome.
// Without a configured breaker every request is allowed.
//
// An open breaker returns gobreaker.ErrOpenState or
// gobreaker.ErrTooManyRequests.
func (p *Pool) Allow(key Key) (done func(success bool), err error) {
	if p.cfg.Breaker == nil {
		return func(bool) {}, nil
	}

	p.mu.Lock()
	cb, ok := p.breakers[key]
	if !ok {
		cb = p.newBreaker(key)
		p.breakers[key] = cb
	}
	p.mu.Unlock()

	return cb.Allow()
}

func (p *Pool) newBreaker(key Key) *breaker {
	threshold := p.cfg.Breaker.Threshold
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        key.String(),
		MaxRequests: 1,
		Timeout:     p.cfg.Breaker.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("circuit breaker state changed",
				"endpoint", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}
