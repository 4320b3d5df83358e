package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/abhishekkushwahaa/signsetu/internal/circuitbreaker"
	"github.com/abhishekkushwahaa/signsetu/internal/domain"
)

// Sender is anything that can deliver an email.
type Sender interface {
	Send(ctx context.Context, email domain.Email) (domain.SendResult, error)
}

// RejectionRecorder counts sends refused by an open breaker.
type RejectionRecorder interface {
	BreakerRejected()
}

// Guarded wraps a Sender with a circuit breaker keyed by endpoint.
// Client errors (4xx other than 429) are the recipient's problem, not the
// provider's, and do not count toward opening the breaker.
type Guarded struct {
	next    Sender
	breaker *circuitbreaker.CircuitBreaker
	key     string
	metrics RejectionRecorder
}

func NewGuarded(next Sender, breaker *circuitbreaker.CircuitBreaker, key string) *Guarded {
	return &Guarded{next: next, breaker: breaker, key: key}
}

func (g *Guarded) WithMetrics(m RejectionRecorder) *Guarded {
	g.metrics = m
	return g
}

func (g *Guarded) Send(ctx context.Context, email domain.Email) (domain.SendResult, error) {
	if err := g.breaker.Allow(g.key); err != nil {
		if g.metrics != nil {
			g.metrics.BreakerRejected()
		}
		return domain.SendResult{}, fmt.Errorf("%s: %w", g.key, err)
	}

	res, err := g.next.Send(ctx, email)
	switch {
	case err == nil:
		g.breaker.RecordSuccess(g.key)
	case errors.Is(err, context.Canceled):
		// The caller gave up; the provider's health is unknown.
		g.breaker.Abandon(g.key)
	case countsAsOutage(err):
		g.breaker.RecordFailure(g.key)
	default:
		g.breaker.RecordSuccess(g.key)
	}
	return res, err
}

func countsAsOutage(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}
