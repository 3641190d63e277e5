package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BradenHooton/gatekeeper/internal/cache"
	"github.com/BradenHooton/gatekeeper/internal/models"
)

// LocationStore holds the last known location snapshot per identity
type LocationStore struct {
	cache *cache.Cache
}

func NewLocationStore(c *cache.Cache) *LocationStore {
	return &LocationStore{cache: c}
}

func (s *LocationStore) key(userID string) string {
	return s.cache.Key("location", userID)
}

// Get returns nil without error when no snapshot exists
func (s *LocationStore) Get(ctx context.Context, userID string) (*models.LocationSnapshot, error) {
	data, err := s.cache.Client.Get(ctx, s.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, mapRedisError("get", err)
	}

	var snap models.LocationSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, models.Infra("decode location snapshot", err)
	}
	return &snap, nil
}

func (s *LocationStore) Save(ctx context.Context, userID string, snap *models.LocationSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode location snapshot: %w", err)
	}
	return mapRedisError("set", s.cache.Client.Set(ctx, s.key(userID), data, ttl).Err())
}
