// Package redisstream publishes engine events to a Redis stream so services
// outside the engine can consume them with consumer groups.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"auction-engine/internal/model"
)

const defaultMaxLen = 100_000

type Config struct {
	URL    string
	Stream string
	// MaxLen caps the stream length, trimmed approximately. Zero uses the
	// default.
	MaxLen int64
}

// Sink appends every delivered event to a stream with XADD. It is an
// events.Sink.
type Sink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func New(ctx context.Context, cfg Config) (*Sink, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewWithClient(client, cfg.Stream, cfg.MaxLen), nil
}

func NewWithClient(client *redis.Client, stream string, maxLen int64) *Sink {
	if stream == "" {
		stream = "auction:events"
	}
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &Sink{client: client, stream: stream, maxLen: maxLen}
}

func (s *Sink) Name() string { return "redis" }

func (s *Sink) Deliver(ctx context.Context, e model.Event) error {
	values, err := Fields(e)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err()
}

func (s *Sink) Close() error { return s.client.Close() }

// Fields flattens e into stream entry fields. The payload travels as JSON.
func Fields(e model.Event) (map[string]any, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return map[string]any{
		"event_id":   strconv.FormatInt(e.ID, 10),
		"type":       string(e.Type),
		"auction_id": e.AuctionID,
		"payload":    string(payload),
		"created_at": e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}
