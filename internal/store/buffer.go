package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ultradaoto/hybrid-coach-sub004/internal/logging"
)

// bufferKeyPrefix namespaces the per-session retry list, following the
// teacher's hash-tag-free key convention for non-clustered Redis use.
const bufferKeyPrefix = "voiceagent:msgbuffer:"

// bufferCapacity bounds the retry list so a store outage that outlasts the
// session can't grow memory (or the Redis list) without limit.
const bufferCapacity = 500

// PendingMessage is one StoreMessageInput that failed to persist and is
// held for a later retry (spec: "on failure, append to an in-memory buffer
// and retry on session completion").
type PendingMessage struct {
	Input    StoreMessageInput
	QueuedAt time.Time
}

// RetryBuffer holds messages whose StoreMessage call failed until they can
// be retried, satisfying I5's at-least-once guarantee.
// Append never returns an error: a buffer that can itself fail would leave
// persistence failures with nowhere safe to land.
type RetryBuffer interface {
	Append(ctx context.Context, in StoreMessageInput)
	// Drain returns and clears every buffered message, oldest first.
	Drain(ctx context.Context) []PendingMessage
}

// memoryRetryBuffer is the fallback used when no Redis address is
// configured; it does not survive a process restart.
type memoryRetryBuffer struct {
	mu       sync.Mutex
	pending  []PendingMessage
	capacity int
	log      logging.Logger
}

// NewMemoryRetryBuffer builds a process-local retry buffer.
func NewMemoryRetryBuffer(log logging.Logger) RetryBuffer {
	return &memoryRetryBuffer{capacity: bufferCapacity, log: log}
}

func (b *memoryRetryBuffer) Append(ctx context.Context, in StoreMessageInput) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= b.capacity {
		b.log.Warnw("retry buffer full, dropping oldest", "session_id", in.SessionID)
		b.pending = b.pending[1:]
	}
	b.pending = append(b.pending, PendingMessage{Input: in, QueuedAt: time.Now()})
}

func (b *memoryRetryBuffer) Drain(ctx context.Context) []PendingMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

// redisRetryBuffer backs the buffer with a Redis list so a supervisor
// restart (or a second instance, crash-recovery style per the teacher's RTP
// port allocator) can still replay messages that never reached the store.
// Each session gets its own bounded list, trimmed with LTRIM the way the
// RTP allocator bounds its own Redis-side state.
type redisRetryBuffer struct {
	client *redis.Client
	log    logging.Logger
	mem    RetryBuffer // fallback used if Redis itself is unreachable
}

// NewRedisRetryBuffer builds a Redis-backed retry buffer. client must
// already be configured and reachable; callers typically construct it with
// redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}).
func NewRedisRetryBuffer(client *redis.Client, log logging.Logger) RetryBuffer {
	return &redisRetryBuffer{client: client, log: log, mem: NewMemoryRetryBuffer(log)}
}

func (b *redisRetryBuffer) Append(ctx context.Context, in StoreMessageInput) {
	raw, err := json.Marshal(in)
	if err != nil {
		b.log.Errorw("marshalling buffered message", "error", err)
		return
	}
	key := bufferKeyPrefix + in.SessionID
	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -bufferCapacity, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		b.log.Warnw("redis retry buffer append failed, falling back to memory", "error", err)
		b.mem.Append(ctx, in)
	}
}

func (b *redisRetryBuffer) Drain(ctx context.Context) []PendingMessage {
	var out []PendingMessage

	iter := b.client.Scan(ctx, 0, bufferKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := b.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			b.log.Warnw("redis retry buffer drain failed for key", "key", key, "error", err)
			continue
		}
		for _, raw := range vals {
			var in StoreMessageInput
			if err := json.Unmarshal([]byte(raw), &in); err != nil {
				continue
			}
			out = append(out, PendingMessage{Input: in, QueuedAt: time.Now()})
		}
		b.client.Del(ctx, key)
	}
	if err := iter.Err(); err != nil {
		b.log.Warnw("redis retry buffer scan failed", "error", err)
	}

	out = append(out, b.mem.Drain(ctx)...)
	return out
}

// NewRedisClient dials Redis at addr. Returns nil, nil when addr is empty so
// callers can cheaply fall back to NewMemoryRetryBuffer.
func NewRedisClient(addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return client, nil
}
