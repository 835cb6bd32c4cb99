package action

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LogSink writes intents to the log. It is the default when no external
// notification system is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish logs the intent.
func (s *LogSink) Publish(_ context.Context, intent Intent) error {
	s.logger.Info("action intent",
		zap.String("type", string(intent.Type)),
		zap.String("tenant_id", intent.TenantID),
		zap.String("run_id", intent.RunID),
		zap.String("node_id", intent.NodeID),
		zap.String("channel", intent.Channel),
		zap.String("template", intent.Template),
		zap.Strings("recipients", intent.Recipients),
		zap.String("assignee", intent.Assignee),
	)
	return nil
}

// StreamSink appends intents to a Redis stream consumed by the notification
// and ticketing workers.
type StreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// StreamOption configures a StreamSink.
type StreamOption func(*StreamSink)

// WithMaxLen caps the stream at approximately n entries. Zero means
// unbounded.
func WithMaxLen(n int64) StreamOption {
	return func(s *StreamSink) {
		s.maxLen = n
	}
}

// NewStreamSink creates a sink appending to stream.
func NewStreamSink(client *redis.Client, stream string, opts ...StreamOption) *StreamSink {
	s := &StreamSink{client: client, stream: stream, maxLen: 100000}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish appends the intent with XADD. The entry carries the routing
// fields flat and the full intent as JSON.
func (s *StreamSink) Publish(ctx context.Context, intent Intent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"type":      string(intent.Type),
			"tenant_id": intent.TenantID,
			"run_id":    intent.RunID,
			"node_id":   intent.NodeID,
			"intent":    string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", s.stream, err)
	}
	return nil
}

// Ping reports whether Redis is reachable. Used by readiness checks.
func (s *StreamSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// RecordingSink keeps intents in memory. Test runs use it so that
// simulated executions have no external effects.
type RecordingSink struct {
	mu      sync.Mutex
	intents []Intent
	fail    func(Intent) error
}

// NewRecordingSink creates an empty RecordingSink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// FailWith makes Publish return the error fn produces for an intent; a nil
// result accepts it.
func (s *RecordingSink) FailWith(fn func(Intent) error) {
	s.mu.Lock()
	s.fail = fn
	s.mu.Unlock()
}

// Publish records the intent.
func (s *RecordingSink) Publish(_ context.Context, intent Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(intent); err != nil {
			return err
		}
	}
	s.intents = append(s.intents, intent)
	return nil
}

// Intents returns a copy of the recorded intents.
func (s *RecordingSink) Intents() []Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Intent, len(s.intents))
	copy(out, s.intents)
	return out
}
