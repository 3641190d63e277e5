package stores

import (
	"context"

	"github.com/BradenHooton/gatekeeper/internal/cache"
)

// BadIPStore is the operator-maintained set of addresses known to be hostile
type BadIPStore struct {
	cache *cache.Cache
}

func NewBadIPStore(c *cache.Cache) *BadIPStore {
	return &BadIPStore{cache: c}
}

func (s *BadIPStore) key() string {
	return s.cache.Key("bad_ips")
}

func (s *BadIPStore) Contains(ctx context.Context, ip string) (bool, error) {
	found, err := s.cache.Client.SIsMember(ctx, s.key(), ip).Result()
	if err != nil {
		return false, mapRedisError("sismember", err)
	}
	return found, nil
}

func (s *BadIPStore) Add(ctx context.Context, ips ...string) error {
	if len(ips) == 0 {
		return nil
	}
	members := make([]interface{}, len(ips))
	for i, ip := range ips {
		members[i] = ip
	}
	return mapRedisError("sadd", s.cache.Client.SAdd(ctx, s.key(), members...).Err())
}

func (s *BadIPStore) Remove(ctx context.Context, ips ...string) error {
	if len(ips) == 0 {
		return nil
	}
	members := make([]interface{}, len(ips))
	for i, ip := range ips {
		members[i] = ip
	}
	return mapRedisError("srem", s.cache.Client.SRem(ctx, s.key(), members...).Err())
}
