// internal/notify/sinks.go
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"libralend/internal/lending"
	"libralend/internal/observability"

	"github.com/redis/go-redis/v9"
)

// LogSink writes notifications to the log. Used when no broker is
// configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: observability.OrDefault(logger)}
}

func (s *LogSink) Deliver(ctx context.Context, n lending.Notification) error {
	s.logger.InfoContext(ctx, "borrower notification",
		slog.String("kind", n.Kind),
		slog.String("borrower_id", n.BorrowerID.String()),
		slog.String("request_id", n.RequestID.String()),
		slog.String("item_id", n.ItemID.String()),
		slog.Int("fine", n.Fine),
	)
	return nil
}

// RedisSink publishes each notification as JSON on the borrower's channel,
// lending:notifications:borrower:<id>.
type RedisSink struct {
	rdb *redis.Client
}

func NewRedisSink(rdb *redis.Client) *RedisSink {
	return &RedisSink{rdb: rdb}
}

// Channel returns the pub/sub channel for a borrower.
func Channel(n lending.Notification) string {
	return fmt.Sprintf("lending:notifications:borrower:%s", n.BorrowerID)
}

func (s *RedisSink) Deliver(ctx context.Context, n lending.Notification) error {
	if s.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := s.rdb.Publish(ctx, Channel(n), payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
