package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// Redis keys:
// cb:{service}:open     -> present while the circuit is open, expires after timeout
// cb:{service}:failures -> consecutive failure count

// CircuitBreaker guards calls to an upstream (the billing provider) and
// shares its state across instances through Redis.
type CircuitBreaker struct {
	client           *redis.Client
	failureThreshold int64
	timeout          time.Duration
}

func New(client *redis.Client, failureThreshold int64, timeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	return &CircuitBreaker{
		client:           client,
		failureThreshold: failureThreshold,
		timeout:          timeout,
	}
}

func openKey(service string) string    { return "cb:" + service + ":open" }
func failureKey(service string) string { return "cb:" + service + ":failures" }

// Open reports whether calls to service are currently short-circuited.
func (cb *CircuitBreaker) Open(ctx context.Context, service string) (bool, error) {
	n, err := cb.client.Exists(ctx, openKey(service)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Execute runs action unless the circuit is open. Consecutive failures past
// the threshold open the circuit for the configured timeout; a success resets
// the count. Once the open key expires the next call is let through as a probe.
func (cb *CircuitBreaker) Execute(ctx context.Context, service string, action func() error) error {
	open, err := cb.Open(ctx, service)
	if err != nil {
		return err
	}
	if open {
		return ErrCircuitOpen
	}

	if opErr := action(); opErr != nil {
		cb.Failure(ctx, service)
		return opErr
	}
	cb.Success(ctx, service)
	return nil
}

// Failure records one failed call.
func (cb *CircuitBreaker) Failure(ctx context.Context, service string) {
	failures, err := cb.client.Incr(ctx, failureKey(service)).Result()
	if err != nil {
		return
	}
	if failures >= cb.failureThreshold {
		pipe := cb.client.TxPipeline()
		pipe.Set(ctx, openKey(service), "1", cb.timeout)
		pipe.Del(ctx, failureKey(service))
		pipe.Exec(ctx)
	}
}

// Success clears the failure streak.
func (cb *CircuitBreaker) Success(ctx context.Context, service string) {
	cb.client.Del(ctx, failureKey(service))
}
