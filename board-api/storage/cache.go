package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/aryabyte21/taskboard/domain"
)

const (
	tasksCacheKey = "tasks:" + boardPartition
	// tasksGenKey is bumped by every eviction. A list read from the backend is
	// only cached if the generation did not move while it was being read.
	tasksGenKey = tasksCacheKey + ":gen"
)

var errStaleGeneration = errors.New("tasks cache generation changed")

// Cache wraps a Backend with a Redis copy of the full task list.
// Every mutation evicts the list so the next read repopulates it.
type Cache struct {
	base  Backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base Backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasks(ctx context.Context) ([]domain.Task, error) {
	if tasks, ok := c.loadTasks(ctx); ok {
		return tasks, nil
	}
	gen, genOK := c.generation(ctx)
	tasks, err := c.base.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	if genOK {
		c.storeTasks(ctx, gen, tasks)
	}
	return tasks, nil
}

func (c *Cache) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return c.base.GetTask(ctx, id)
}

func (c *Cache) CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	t, err := c.base.CreateTask(ctx, in)
	if err != nil {
		return t, err
	}
	c.evict(ctx)
	return t, nil
}

func (c *Cache) UpdateTask(ctx context.Context, id string, in domain.TaskInput) (domain.Task, error) {
	t, err := c.base.UpdateTask(ctx, id, in)
	if err != nil {
		return t, err
	}
	c.evict(ctx)
	return t, nil
}

func (c *Cache) DeleteTask(ctx context.Context, id string) error {
	if err := c.base.DeleteTask(ctx, id); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Cache) Ping(ctx context.Context) error {
	if c.redis != nil {
		if err := c.redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return c.base.Ping(ctx)
}

func (c *Cache) Close() error { return c.base.Close() }

func (c *Cache) loadTasks(ctx context.Context) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey).Err()
		return nil, false
	}
	return tasks, true
}

// generation returns the current eviction counter. ok is false when the
// counter cannot be read, in which case nothing should be cached.
func (c *Cache) generation(ctx context.Context) (gen int64, ok bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, tasksGenKey).Int64()
	if err == redis.Nil {
		return 0, true
	}
	if err != nil {
		log.WithError(err).Warn("failed to read tasks cache generation")
		return 0, false
	}
	return gen, true
}

// storeTasks caches tasks unless a mutation evicted the list after gen was read.
func (c *Cache) storeTasks(ctx context.Context, gen int64, tasks []domain.Task) {
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, tasksGenKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != gen {
			return errStaleGeneration
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, tasksCacheKey, data, c.ttl)
			return nil
		})
		return err
	}, tasksGenKey)
	switch {
	case err == nil:
	case errors.Is(err, errStaleGeneration), errors.Is(err, redis.TxFailedErr):
		log.Debug("tasks list changed while reading, not caching")
	default:
		log.WithError(err).Warn("failed to store tasks cache entry")
	}
}

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	_, err := c.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, tasksGenKey)
		p.Del(ctx, tasksCacheKey)
		return nil
	})
	if err != nil {
		log.WithError(err).Error("failed to evict tasks cache entry")
	}
}
