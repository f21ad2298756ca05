package credentials

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisAccessField  = "access_token"
	redisRefreshField = "refresh_token"

	DefaultRedisPrefix = "koperasi:tokens:"
)

// RedisClient is the subset of the go-redis API the token store needs.
type RedisClient interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore keeps the token pair of one namespace in a Redis hash so that
// several processes can share a session.
type RedisStore struct {
	rdb RedisClient
	key string
}

func NewRedisStore(rdb RedisClient, prefix, namespace string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, key: prefix + namespace}
}

// NewRedisClient connects to Redis and pings it so a bad address fails at startup.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func (r *RedisStore) GetAccessToken(ctx context.Context) (string, error) {
	fields, err := r.load(ctx)
	if err != nil {
		return "", err
	}
	return fields[redisAccessField], nil
}

func (r *RedisStore) GetRefreshToken(ctx context.Context) (string, error) {
	fields, err := r.load(ctx)
	if err != nil {
		return "", err
	}
	return fields[redisRefreshField], nil
}

// SetTokens writes both fields with a single HSET.
func (r *RedisStore) SetTokens(ctx context.Context, pair TokenPair) error {
	if err := validatePair(pair); err != nil {
		return err
	}
	err := r.rdb.HSet(ctx, r.key,
		redisAccessField, pair.AccessToken,
		redisRefreshField, pair.RefreshToken,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to store tokens in redis: %w", err)
	}
	return nil
}

func (r *RedisStore) ClearTokens(ctx context.Context) error {
	if err := r.rdb.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to delete tokens from redis: %w", err)
	}
	return nil
}

func (r *RedisStore) load(ctx context.Context) (map[string]string, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read tokens from redis: %w", err)
	}
	return fields, nil
}
