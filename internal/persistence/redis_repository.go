package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"grid-trading-engine/internal/models"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "grid-engine:session"

// RedisOptions holds connection parameters for the Redis repository.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Timeout  time.Duration
}

// redisRepository stores the session state as one JSON string value.
type redisRepository struct {
	rdb     *redis.Client
	key     string
	timeout time.Duration
}

// NewRedisRepository connects to Redis and verifies connectivity with a ping.
func NewRedisRepository(opts RedisOptions) (StateRepository, error) {
	if opts.Key == "" {
		opts.Key = defaultRedisKey
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &redisRepository{rdb: rdb, key: opts.Key, timeout: opts.Timeout}, nil
}

func (r *redisRepository) SaveState(state *models.SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.rdb.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis: save state: %w", err)
	}
	return nil
}

func (r *redisRepository) LoadState() (*models.SessionState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	data, err := r.rdb.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: load state: %w", err)
	}
	var state models.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("redis: decode state: %w", err)
	}
	return &state, nil
}

func (r *redisRepository) Close() error {
	return r.rdb.Close()
}
