package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// MonitorRedis adds otel tracing to r and counts every command, pipelined or
// not, on m.RedisCommands.
func MonitorRedis(r redis.UniversalClient, m *Metrics) error {
	if err := redisotel.InstrumentTracing(r); err != nil {
		return fmt.Errorf("instrument tracing: %w", err)
	}
	r.AddHook(redisHook{m: m})
	return nil
}

type redisHook struct {
	m *Metrics
}

func (h redisHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			slog.WarnContext(ctx, "redis: dial failed", "addr", addr, "error", err)
			return nil, err
		}
		slog.DebugContext(ctx, "redis: connected", "addr", addr)
		return conn, nil
	}
}

func (h redisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		h.observe(ctx, cmd)
		return err
	}
}

func (h redisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		for _, cmd := range cmds {
			h.observe(ctx, cmd)
		}
		return err
	}
}

func (h redisHook) observe(ctx context.Context, cmd redis.Cmder) {
	result := "ok"
	// A missing key is an answer, not a failure.
	if err := cmd.Err(); err != nil && !errors.Is(err, redis.Nil) {
		result = "error"
		slog.WarnContext(ctx, "redis: command failed", "cmd", cmd.Name(), "error", err)
	}

	if h.m != nil {
		h.m.RedisCommands.WithLabelValues(cmd.Name(), result).Inc()
	}
}
