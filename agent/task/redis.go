package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dshills/taskgraph-go/internal/redisutil"
)

// RedisStore persists tasks in Redis.
//
// Keys:
//   - <prefix>:task:<id>        hash {data, status, seq}
//   - <prefix>:tasks            sorted set of IDs scored by seq
//   - <prefix>:status:<status>  set of IDs currently in that status
type RedisStore struct {
	client *redis.Client
	prefix string

	mu     sync.RWMutex
	closed bool
}

// NewRedisStore wraps an existing client. Close does not close the client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "taskgraph"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keyTask(id string) string {
	return redisutil.Key(s.prefix, "task", id)
}

func (s *RedisStore) keyAll() string {
	return redisutil.Key(s.prefix, "tasks")
}

func (s *RedisStore) keyStatus(st Status) string {
	return redisutil.Key(s.prefix, "status", string(st))
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *RedisStore) Put(ctx context.Context, t Task) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.keyTask(t.ID), "data", data, "status", string(t.Status), "seq", t.Seq)
		pipe.ZAdd(ctx, s.keyAll(), redis.Z{Score: float64(t.Seq), Member: t.ID})
		for _, st := range AllStatuses {
			if st == t.Status {
				pipe.SAdd(ctx, s.keyStatus(st), t.ID)
			} else {
				pipe.SRem(ctx, s.keyStatus(st), t.ID)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", t.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Task, error) {
	if err := s.checkOpen(); err != nil {
		return Task{}, err
	}

	data, err := s.client.HGet(ctx, s.keyTask(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return Task{}, &TaskNotFoundError{ID: id}
	}
	if err != nil {
		return Task{}, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return decodeTask(data)
}

func (s *RedisStore) List(ctx context.Context, f Filter) ([]Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var ids []string
	var err error
	if len(f.Statuses) > 0 {
		keys := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			keys[i] = s.keyStatus(st)
		}
		ids, err = s.client.SUnion(ctx, keys...).Result()
	} else {
		ids, err = s.client.ZRange(ctx, s.keyAll(), 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list task ids: %w", err)
	}
	if len(ids) == 0 {
		return []Task{}, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, s.keyTask(id), "data")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}

	out := make([]Task, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue // deleted between the index read and the fetch
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load task: %w", err)
		}
		t, err := decodeTask(data)
		if err != nil {
			return nil, err
		}
		if f.Match(t) {
			out = append(out, t)
		}
	}
	sortBySeq(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.keyTask(id))
		pipe.ZRem(ctx, s.keyAll(), id)
		for _, st := range AllStatuses {
			pipe.SRem(ctx, s.keyStatus(st), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	if del.Val() == 0 {
		return &TaskNotFoundError{ID: id}
	}
	return nil
}

// Close marks the store closed. The Redis client is left open.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
