// Package stream is the durable-log consumer framework: consumer groups,
// pending-entry auto-claim and idempotent retry over Redis Streams.
package stream

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one log entry.
type Message struct {
	ID     string
	Values map[string]string
}

// Log abstracts the durable log. The Redis implementation is the production
// one; MemoryLog backs tests and dry-run mode.
type Log interface {
	// EnsureGroup creates the consumer group if missing. Idempotent.
	EnsureGroup(ctx context.Context, stream, group string) error
	// ReadGroup blocks up to block for new messages.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)
	// AutoClaim transfers pending messages idle at least minIdle to this
	// consumer. supported=false means the backend lacks the capability and
	// the caller should stop asking.
	AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) (msgs []Message, supported bool, err error)
	// Ack acknowledges processed messages.
	Ack(ctx context.Context, stream, group string, ids ...string) error
	// Publish appends a message and returns its id.
	Publish(ctx context.Context, stream string, values map[string]string) (string, error)
}

// RedisLog implements Log over Redis Streams.
type RedisLog struct {
	client redis.UniversalClient
}

// NewRedisLog wraps an existing client.
func NewRedisLog(client redis.UniversalClient) *RedisLog {
	return &RedisLog{client: client}
}

var _ Log = (*RedisLog)(nil)

func (l *RedisLog) EnsureGroup(ctx context.Context, stream, group string) error {
	err := l.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (l *RedisLog) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, fromXMessage(m))
		}
	}
	return out, nil
}

func (l *RedisLog) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Message, bool, error) {
	msgs, _, err := l.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			return nil, false, nil
		}
		return nil, true, err
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, fromXMessage(m))
	}
	return out, true, nil
}

func (l *RedisLog) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return l.client.XAck(ctx, stream, group, ids...).Err()
}

func (l *RedisLog) Publish(ctx context.Context, stream string, values map[string]string) (string, error) {
	args := make(map[string]interface{}, len(values))
	for k, v := range values {
		args[k] = v
	}
	return l.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: args}).Result()
}

func fromXMessage(m redis.XMessage) Message {
	values := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			values[k] = s
		}
	}
	return Message{ID: m.ID, Values: values}
}

// MemoryLog is an in-process Log with consumer-group pending semantics, for
// tests and dry-run mode.
type MemoryLog struct {
	mu      sync.Mutex
	nextID  int64
	streams map[string][]Message
	groups  map[string]*memoryGroup // stream|group
	// FailPublish makes Publish fail, simulating an offline publisher.
	FailPublish bool
}

type memoryGroup struct {
	cursor  int
	pending map[string]pendingEntry
}

type pendingEntry struct {
	msg         Message
	deliveredAt time.Time
}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		nextID:  1,
		streams: make(map[string][]Message),
		groups:  make(map[string]*memoryGroup),
	}
}

var _ Log = (*MemoryLog)(nil)

func (l *MemoryLog) EnsureGroup(ctx context.Context, stream, group string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := stream + "|" + group
	if _, ok := l.groups[key]; !ok {
		l.groups[key] = &memoryGroup{pending: make(map[string]pendingEntry)}
	}
	return nil
}

func (l *MemoryLog) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.groups[stream+"|"+group]
	if !ok {
		return nil, nil
	}
	entries := l.streams[stream]
	var out []Message
	for g.cursor < len(entries) && int64(len(out)) < count {
		msg := entries[g.cursor]
		g.cursor++
		g.pending[msg.ID] = pendingEntry{msg: msg, deliveredAt: time.Now()}
		out = append(out, msg)
	}
	return out, nil
}

func (l *MemoryLog) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Message, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.groups[stream+"|"+group]
	if !ok {
		return nil, true, nil
	}
	now := time.Now()
	var out []Message
	for id, entry := range g.pending {
		if now.Sub(entry.deliveredAt) >= minIdle && int64(len(out)) < count {
			out = append(out, entry.msg)
			g.pending[id] = pendingEntry{msg: entry.msg, deliveredAt: now}
		}
	}
	return out, true, nil
}

func (l *MemoryLog) Ack(ctx context.Context, stream, group string, ids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if g, ok := l.groups[stream+"|"+group]; ok {
		for _, id := range ids {
			delete(g.pending, id)
		}
	}
	return nil
}

func (l *MemoryLog) Publish(ctx context.Context, stream string, values map[string]string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailPublish {
		return "", context.DeadlineExceeded
	}
	id := time.Now().UTC().Format("20060102150405") + "-" + strconv.FormatInt(l.nextID, 10)
	l.nextID++
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	l.streams[stream] = append(l.streams[stream], Message{ID: id, Values: copied})
	return id, nil
}

// Pending returns the unacked message count for a group, for tests.
func (l *MemoryLog) Pending(stream, group string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if g, ok := l.groups[stream+"|"+group]; ok {
		return len(g.pending)
	}
	return 0
}

// Len returns the total number of entries on a stream, for tests.
func (l *MemoryLog) Len(stream string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.streams[stream])
}
