package governor

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisCounterStore backs the governor's counters with a shared Redis
// instance so a multi-replica deployment enforces one set of limits.
type RedisCounterStore struct {
	client *redis.Client
}

// NewRedisCounterStore connects to Redis and verifies the connection.
func NewRedisCounterStore(ctx context.Context, addr string, db int) (*RedisCounterStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, eris.Wrapf(err, "connecting to redis at %s", addr)
	}
	return &RedisCounterStore{client: client}, nil
}

func (r *RedisCounterStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, eris.Wrapf(err, "incrementing counter %s", key)
	}
	return incr.Val(), nil
}

func (r *RedisCounterStore) IncrFloat(ctx context.Context, key string, v float64, ttl time.Duration) (float64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.IncrByFloat(ctx, key, v)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, eris.Wrapf(err, "incrementing counter %s", key)
	}
	return incr.Val(), nil
}

func (r *RedisCounterStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "reading counter %s", key)
	}
	return n, nil
}

func (r *RedisCounterStore) GetFloat(ctx context.Context, key string) (float64, error) {
	f, err := r.client.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "reading counter %s", key)
	}
	return f, nil
}

func (r *RedisCounterStore) Close() error {
	return r.client.Close()
}
