package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sweeney/rack-monitor/internal/probe"
)

// Redis keeps parameters as a JSON value and the event log as a capped
// list.
type Redis struct {
	client    *redis.Client
	paramsKey string
	eventsKey string
}

// NewRedis connects to the server at url and checks it answers.
func NewRedis(url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Redis{
		client:    client,
		paramsKey: prefix + ":params",
		eventsKey: prefix + ":events",
	}, nil
}

// Close closes the client connection.
func (s *Redis) Close() error {
	return s.client.Close()
}

// LoadParams reads the stored parameters. It returns ErrNotFound when none
// have been saved.
func (s *Redis) LoadParams(ctx context.Context) (probe.Params, error) {
	data, err := s.client.Get(ctx, s.paramsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return probe.Params{}, ErrNotFound
	}
	if err != nil {
		return probe.Params{}, fmt.Errorf("get params: %w", err)
	}
	var p probe.Params
	if err := json.Unmarshal(data, &p); err != nil {
		return probe.Params{}, fmt.Errorf("decode params: %w", err)
	}
	return p, nil
}

// SaveParams replaces the stored parameters.
func (s *Redis) SaveParams(ctx context.Context, p probe.Params) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	return s.client.Set(ctx, s.paramsKey, data, 0).Err()
}

// Append pushes a record onto the event list and trims it to LogCapacity
// in the same transaction.
func (s *Redis) Append(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.eventsKey, data)
	pipe.LTrim(ctx, s.eventsKey, 0, LogCapacity-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// Recent returns up to n records, newest first.
func (s *Redis) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	items, err := s.client.LRange(ctx, s.eventsKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	out := make([]Record, 0, len(items))
	for _, item := range items {
		var r Record
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}
