package storage

import (
	"context"

	"github.com/go-redis/redis/v8"
	"fastnear.io/wallet-adapter/internal/config"
	"fastnear.io/wallet-adapter/pkg/errors"
	"fastnear.io/wallet-adapter/pkg/log"
)

// RedisStore persists adapter state in redis, for hosts that want sessions to
// survive across processes (e.g. a server-side signer holding wallet sessions).
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(cred *config.DBCredential, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cred.GetRedisAddress(),
	})
	if _, err := client.Ping(context.TODO()).Result(); err != nil {
		return nil, errors.WrapAndReport(err, "ping to redis")
	}
	log.Infof("redis store initialized at %v", cred.GetRedisAddress())
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "get redis key")
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return errors.Wrap(err, "set redis key")
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.Wrap(err, "delete redis key")
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
