package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality so a
// flapping broker API fails fast instead of stalling the tick path.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, logger, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, logger *logrus.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.New()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// Connected is not wrapped; it is a local check.
func (c *CircuitBreakerBroker) Connected() bool { return c.broker.Connected() }

// PlaceOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, p OrderParams) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.PlaceOrder(ctx, p)
	})
}

// Positions wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Positions(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) {
		return b.Positions(ctx)
	})
}

// LTP wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) LTP(ctx context.Context, instruments ...string) (map[string]float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (map[string]float64, error) {
		return b.LTP(ctx, instruments...)
	})
}

// Profile wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Profile(ctx context.Context) (*Profile, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Profile, error) {
		return b.Profile(ctx)
	})
}

// Instruments wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Instruments(ctx context.Context, exchange string) ([]Instrument, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Instrument, error) {
		return b.Instruments(ctx, exchange)
	})
}
