package offline0

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// redisStore lets several proxy instances share one resource manifest.
type redisStore struct {
	client *redis.Client
	prefix string
}

func newRedisStore(addr, password string, db int, prefix string) *redisStore {
	return &redisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		prefix: prefix,
	}
}

func (s *redisStore) key(path string) string {
	if s.prefix == "" {
		return resourcesKey(path)
	}
	return s.prefix + ":" + resourcesKey(path)
}

func (s *redisStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.client.Ping(ctx).Err(), "redis ping")
}

func (s *redisStore) Get(ctx context.Context, path string) ([]string, bool, error) {
	b, err := s.client.Get(ctx, s.key(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "get resources for %q", path)
	}
	r, err := decodeResources(b)
	if err != nil {
		return nil, false, errors.Wrapf(err, "decode resources for %q", path)
	}
	return r, true, nil
}

func (s *redisStore) Set(ctx context.Context, path string, resources []string) error {
	b, err := encodeResources(resources)
	if err != nil {
		return errors.Wrap(err, "encode resources")
	}
	return errors.Wrapf(s.client.Set(ctx, s.key(path), b, 0).Err(), "set resources for %q", path)
}

// Clear deletes every key under the store prefix. Keys are removed in SCAN
// pages, so a concurrent Set may survive the sweep.
func (s *redisStore) Clear(ctx context.Context) error {
	match := s.key("*")
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 500).Result()
		if err != nil {
			return errors.Wrap(err, "scan resources")
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return errors.Wrap(err, "delete resources")
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *redisStore) Close() error { return s.client.Close() }
