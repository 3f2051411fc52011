// Package notify emits the single terminal summary event of a pipeline run.
// The summary always goes to the log; a Redis channel publish is added when
// configured.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/marketlake/asharetl/internal/config"
)

// StageSummary is the per-stage slice of the terminal summary.
type StageSummary struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	From       int    `json:"from,omitempty"`
	To         int    `json:"to,omitempty"`
	Rows       int    `json:"rows"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Summary is the one terminal event of a pipeline run.
type Summary struct {
	Pipeline   string         `json:"pipeline"`
	Status     string         `json:"status"`
	Lenient    bool           `json:"lenient"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Stages     []StageSummary `json:"stages"`
	Warnings   []string       `json:"warnings,omitempty"`
}

// Notifier delivers one terminal summary.
type Notifier interface {
	Publish(ctx context.Context, s Summary) error
}

// LogNotifier writes the summary as one structured log line.
type LogNotifier struct{}

// Publish logs the summary.
func (LogNotifier) Publish(_ context.Context, s Summary) error {
	evt := log.Info()
	if s.Status == "failed" {
		evt = log.Error()
	}
	evt.Str("pipeline", s.Pipeline).
		Str("status", s.Status).
		Bool("lenient", s.Lenient).
		Dur("took", s.FinishedAt.Sub(s.StartedAt)).
		Int("stages", len(s.Stages)).
		Strs("warnings", s.Warnings).
		Msg("pipeline summary")
	return nil
}

// RedisNotifier publishes the summary JSON to a channel and mirrors it to the
// log.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier connects the publisher. The channel defaults from config.
func NewRedisNotifier(cfg config.NotifyConfig) *RedisNotifier {
	return &RedisNotifier{
		client:  redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
		channel: cfg.RedisChannel,
	}
}

// Publish sends the summary to the channel. The log mirror happens first so a
// broken Redis never loses the summary entirely.
func (n *RedisNotifier) Publish(ctx context.Context, s Summary) error {
	_ = LogNotifier{}.Publish(ctx, s)

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish summary to %s: %w", n.channel, err)
	}
	return nil
}

// Close releases the Redis connection.
func (n *RedisNotifier) Close() error { return n.client.Close() }

// FromConfig selects the notifier: Redis when an address is configured, plain
// log otherwise.
func FromConfig(cfg config.NotifyConfig) Notifier {
	if cfg.RedisAddr != "" {
		return NewRedisNotifier(cfg)
	}
	return LogNotifier{}
}
