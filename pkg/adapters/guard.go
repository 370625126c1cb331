package adapters

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/bturcanu/OpenConduit/pkg/credentials"
	"github.com/bturcanu/OpenConduit/pkg/types"
)

// GuardConfig tunes outbound pacing and the circuit breaker for one service.
type GuardConfig struct {
	RatePerSecond    float64       // 0 disables pacing
	Burst            int           // limiter burst, defaults to 1
	TripAfter        uint32        // consecutive transient failures that open the breaker
	OpenTimeout      time.Duration // time the breaker stays open
	HalfOpenRequests uint32        // requests let through while half-open
	CountersResetIn  time.Duration // closed-state counter reset interval
}

// DefaultGuardConfig mirrors the gateway defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		TripAfter:        5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 3,
		CountersResetIn:  60 * time.Second,
	}
}

// Guard wraps an adapter with a rate limiter and a circuit breaker. Only
// transient failures that happen while the caller is still waiting count
// against the breaker; an open breaker surfaces as a transient failure so the
// retry executor treats it like any other outage.
type Guard struct {
	next    Adapter
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
}

// NewGuard wraps next for service.
func NewGuard(service string, next Adapter, cfg GuardConfig) *Guard {
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 5
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	g := &Guard{next: next}
	if cfg.RatePerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    cfg.CountersResetIn,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.TripAfter
		},
		IsSuccessful: func(err error) bool {
			return err == nil || Classify(err).Class != ClassTransient
		},
	})
	return g
}

func (g *Guard) Actions() []ActionSpec { return g.next.Actions() }

// State exposes the breaker state for readiness reporting.
func (g *Guard) State() gobreaker.State { return g.cb.State() }

func (g *Guard) Handle(ctx context.Context, action string, params types.Parameters, cred credentials.Credential) (any, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, Transient("outbound rate limit", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A failure seen after the caller's own deadline or cancellation says
	// nothing about the service and must not count against the breaker
	// shared by every user of it.
	var abandoned error
	out, err := g.cb.Execute(func() (interface{}, error) {
		v, err := g.next.Handle(ctx, action, params, cred)
		if err != nil && ctx.Err() != nil {
			abandoned = err
			return nil, nil
		}
		return v, err
	})
	if abandoned != nil {
		return nil, abandoned
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, Transient("circuit open", err)
	}
	return out, err
}
