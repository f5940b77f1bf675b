package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrPublisherUnavailable is returned while the breaker refuses to forward publishes.
var ErrPublisherUnavailable = errors.New("event publisher unavailable")

// BreakerSettings configures BreakerPublisher. Zero values take defaults.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	Timeout             time.Duration
	Interval            time.Duration
	MaxRequests         uint32
}

// BreakerPublisher stops calling a failing broker until it has had time to recover.
type BreakerPublisher struct {
	next    Publisher
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func NewBreakerPublisher(next Publisher, settings BreakerSettings, logger *slog.Logger) *BreakerPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.Name == "" {
		settings.Name = "rabbitmq-publisher"
	}
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	if settings.MaxRequests == 0 {
		settings.MaxRequests = 1
	}

	threshold := settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("publisher circuit breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &BreakerPublisher{next: next, breaker: cb, logger: logger}
}

func (b *BreakerPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.next.Publish(ctx, exchange, routingKey, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrPublisherUnavailable, err)
	}
	return err
}

// State reports the breaker state, e.g. "closed" or "open".
func (b *BreakerPublisher) State() string {
	return b.breaker.State().String()
}

func (b *BreakerPublisher) Close() {
	b.next.Close()
}
