package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper guards a go-redis client. A missing key (redis.Nil) is a
// normal answer and never counts against the breaker.
type RedisWrapper struct {
	client  *redis.Client
	cb      *CircuitBreaker
	service string
}

// NewRedisWrapper wraps client. service labels the breaker metrics.
func NewRedisWrapper(client *redis.Client, service string, logger *zap.Logger) *RedisWrapper {
	cb := NewCircuitBreaker("redis", RedisSettings().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", service, cb)
	return &RedisWrapper{client: client, cb: cb, service: service}
}

// guard runs op through the breaker and returns the breaker error, if any,
// so the caller can stamp it onto the command it returns.
func (rw *RedisWrapper) guard(ctx context.Context, op func() error) error {
	var opErr error
	err := rw.cb.Execute(ctx, func() error {
		opErr = op()
		if errors.Is(opErr, redis.Nil) {
			return nil
		}
		return opErr
	})
	rw.recordOutcome(err)
	if err != nil && opErr == nil {
		// rejected before op ran
		return err
	}
	return nil
}

func (rw *RedisWrapper) recordOutcome(err error) {
	GlobalMetricsCollector.RecordRequest("redis", rw.service, rw.cb.State(), err == nil)
}

// Ping checks connectivity.
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	if err := rw.guard(ctx, func() error { cmd = rw.client.Ping(ctx); return cmd.Err() }); err != nil {
		cmd = redis.NewStatusCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

// Get reads key.
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var cmd *redis.StringCmd
	if err := rw.guard(ctx, func() error { cmd = rw.client.Get(ctx, key); return cmd.Err() }); err != nil {
		cmd = redis.NewStringCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

// Set writes key with a TTL; zero means no expiry.
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	if err := rw.guard(ctx, func() error { cmd = rw.client.Set(ctx, key, value, ttl); return cmd.Err() }); err != nil {
		cmd = redis.NewStatusCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

// Del removes keys.
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var cmd *redis.IntCmd
	if err := rw.guard(ctx, func() error { cmd = rw.client.Del(ctx, keys...); return cmd.Err() }); err != nil {
		cmd = redis.NewIntCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

// Keys lists keys matching pattern.
func (rw *RedisWrapper) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	var cmd *redis.StringSliceCmd
	if err := rw.guard(ctx, func() error { cmd = rw.client.Keys(ctx, pattern); return cmd.Err() }); err != nil {
		cmd = redis.NewStringSliceCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error { return rw.client.Close() }

// IsCircuitBreakerOpen reports whether calls are currently being rejected.
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool { return rw.cb.State() == StateOpen }
