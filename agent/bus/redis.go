package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dshills/taskgraph-go/internal/redisutil"
)

// RedisTransportConfig configures RedisTransport.
type RedisTransportConfig struct {
	// Prefix namespaces stream keys. Default "taskgraph".
	Prefix string `yaml:"prefix"`

	// MaxLen caps each mailbox stream (approximate trimming). Default 10000.
	MaxLen int64 `yaml:"max_len"`

	// Block is how long one XREAD waits for new entries. Default 1s.
	Block time.Duration `yaml:"block"`
}

// RedisTransport stores each mailbox as a Redis Stream, so messages survive
// a restart of either side.
//
// Keys:
//   - <prefix>:mbox:<name>          stream of messages
//   - <prefix>:mbox:<name>:cursor   ID of the last delivered entry
//
// A mailbox must have at most one consumer across all processes; the cursor
// is advanced after each delivered message.
type RedisTransport struct {
	client *redis.Client
	cfg    RedisTransportConfig
	logger *zap.Logger

	mu        sync.Mutex
	consumers map[string]*redisConsumer
	closed    bool
}

type redisConsumer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisTransport wraps an existing client. The transport does not close
// the client.
func NewRedisTransport(client *redis.Client, cfg RedisTransportConfig, logger *zap.Logger) *RedisTransport {
	if cfg.Prefix == "" {
		cfg.Prefix = "taskgraph"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10000
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisTransport{
		client:    client,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "bus.redis")),
		consumers: make(map[string]*redisConsumer),
	}
}

func (t *RedisTransport) keyStream(mailbox string) string {
	return redisutil.Key(t.cfg.Prefix, "mbox", mailbox)
}

func (t *RedisTransport) keyCursor(mailbox string) string {
	return redisutil.Key(t.cfg.Prefix, "mbox", mailbox, "cursor")
}

func (t *RedisTransport) Publish(ctx context.Context, msg Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.keyStream(msg.To),
		MaxLen: t.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":         msg.ID,
			"from":       msg.From,
			"to":         msg.To,
			"type":       msg.Type,
			"payload":    string(msg.Payload),
			"created_at": msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", msg.To, err)
	}
	return nil
}

func (t *RedisTransport) Consume(mailbox string, fn func(Message)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if _, exists := t.consumers[mailbox]; exists {
		return nil, fmt.Errorf("mailbox %s: %w", mailbox, ErrAlreadySubscribed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &redisConsumer{cancel: cancel, done: make(chan struct{})}
	t.consumers[mailbox] = c
	go t.streamReader(ctx, mailbox, c, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-c.done
			t.mu.Lock()
			if t.consumers[mailbox] == c {
				delete(t.consumers, mailbox)
			}
			t.mu.Unlock()
		})
	}, nil
}

// streamReader reads the mailbox stream from the stored cursor onward.
func (t *RedisTransport) streamReader(ctx context.Context, mailbox string, c *redisConsumer, fn func(Message)) {
	defer close(c.done)

	lastID, err := t.client.Get(ctx, t.keyCursor(mailbox)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			t.logger.Warn("failed to read mailbox cursor, starting from beginning",
				zap.String("mailbox", mailbox), zap.Error(err))
		}
		lastID = "0"
	}

	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := t.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{t.keyStream(mailbox), lastID},
			Count:   100,
			Block:   t.cfg.Block,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			t.logger.Warn("xread failed", zap.String("mailbox", mailbox), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				fn(decodeEntry(entry))
				if err := t.client.Set(context.Background(), t.keyCursor(mailbox), lastID, 0).Err(); err != nil {
					t.logger.Warn("failed to store mailbox cursor",
						zap.String("mailbox", mailbox), zap.Error(err))
				}
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

func decodeEntry(entry redis.XMessage) Message {
	str := func(k string) string {
		s, _ := entry.Values[k].(string)
		return s
	}
	msg := Message{
		ID:   str("id"),
		From: str("from"),
		To:   str("to"),
		Type: str("type"),
	}
	if p := str("payload"); p != "" {
		msg.Payload = json.RawMessage(p)
	}
	if ts, err := time.Parse(time.RFC3339Nano, str("created_at")); err == nil {
		msg.CreatedAt = ts
	}
	return msg
}

// Close stops every consumer. The Redis client is left open.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	consumers := make([]*redisConsumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.consumers = make(map[string]*redisConsumer)
	t.mu.Unlock()

	for _, c := range consumers {
		c.cancel()
		<-c.done
	}
	return nil
}
