// Package audit receives the cross-store change records produced by
// propagation. Sinks are fire-and-forget: callers log failures and move on.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
)

// Record is one propagated change set.
type Record struct {
	SourceStore string           `json:"sourceStore"`
	Dependents  []string         `json:"dependents,omitempty"`
	Changes     []map[string]any `json:"changes"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Sink accepts audit records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// LogSink writes records to the service logger.
type LogSink struct{}

func (LogSink) Write(_ context.Context, rec Record) error {
	logger.Log.Info("Store change",
		zap.String("source", rec.SourceStore),
		zap.Strings("dependents", rec.Dependents),
		zap.Int("changes", len(rec.Changes)),
		zap.Time("timestamp", rec.Timestamp),
	)
	return nil
}

// Discard drops every record.
type Discard struct{}

func (Discard) Write(context.Context, Record) error { return nil }

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	// Err, when set, is returned by every Write.
	Err error
}

func (m *MemorySink) Write(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of what was written.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// RedisSink pushes JSON records onto a capped Redis list, newest first.
type RedisSink struct {
	client *redis.Client
	key    string
	max    int64
}

// NewRedisSink connects to addr and writes to the list at key, keeping at
// most max entries (max <= 0 keeps everything).
func NewRedisSink(addr, password string, db int, key string, max int64) *RedisSink {
	return &RedisSink{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		key: key,
		max: max,
	}
}

func (r *RedisSink) Write(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key, data)
	if r.max > 0 {
		pipe.LTrim(ctx, r.key, 0, r.max-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push audit record: %w", err)
	}
	return nil
}

// Recent returns up to n records, newest first.
func (r *RedisSink) Recent(ctx context.Context, n int64) ([]Record, error) {
	raw, err := r.client.LRange(ctx, r.key, 0, n-1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(raw))
	for _, s := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}
