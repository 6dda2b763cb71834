package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/logging"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RelayEnvelope wraps a pre-marshaled wire message for cross-pod delivery.
// PodID lets receivers drop their own publishes when they echo back.
type RelayEnvelope struct {
	PodID string          `json:"podId"`
	Path  string          `json:"path"`
	Data  json.RawMessage `json:"data"`
}

// Relay mirrors namespace publishes across pods through Redis pub/sub.
// It is best-effort fan-out: when Redis is unhealthy the circuit breaker
// opens and publishes degrade to local-only delivery.
type Relay struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client (used by the rate limiter and
// health checks).
func (r *Relay) Client() *redis.Client {
	if r == nil {
		return nil
	}
	return r.client
}

// NewRelay connects to Redis and verifies connectivity before returning.
func NewRelay(addr, password string) (*Relay, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "Connected to Redis relay", zap.String("addr", addr))
	return &Relay{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// channelFor maps a namespace path onto a Redis channel.
func channelFor(path string) string {
	return "ensemble:ns:" + path
}

// Publish mirrors an envelope to all other pods watching the namespace.
func (r *Relay) Publish(ctx context.Context, path string, env RelayEnvelope) {
	if r == nil || r.client == nil {
		return
	}

	_, err := r.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal relay envelope: %w", err)
		}
		return nil, r.client.Publish(ctx, channelFor(path), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "Redis circuit breaker open: dropping relay publish", zap.String("namespace", path))
			return
		}
		logging.Error(ctx, "Redis relay publish failed", zap.String("namespace", path), zap.Error(err))
	}
}

// Subscribe starts a background goroutine delivering envelopes published by
// other pods on the given namespace. The goroutine exits when ctx is
// cancelled.
func (r *Relay) Subscribe(ctx context.Context, path string, handler func(RelayEnvelope)) {
	if r == nil || r.client == nil {
		return
	}

	channel := channelFor(path)
	pubsub := r.client.Subscribe(ctx, channel)

	go func() {
		defer pubsub.Close()

		logging.Info(ctx, "Subscribed to relay channel", zap.String("channel", channel))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "Relay subscription channel closed", zap.String("channel", channel))
					return
				}

				var env RelayEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logging.Error(ctx, "Failed to unmarshal relay envelope", zap.Error(err))
					continue
				}
				handler(env)
			}
		}
	}()
}

// Ping checks Redis connectivity. Used by the readiness probe.
func (r *Relay) Ping(ctx context.Context) error {
	if r == nil || r.client == nil {
		return nil
	}

	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (r *Relay) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
