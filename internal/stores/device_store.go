package stores

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BradenHooton/gatekeeper/internal/cache"
)

// DeviceStore keeps the set of device fingerprints seen per identity.
// Only a digest of each fingerprint is stored.
type DeviceStore struct {
	cache *cache.Cache
}

func NewDeviceStore(c *cache.Cache) *DeviceStore {
	return &DeviceStore{cache: c}
}

func (s *DeviceStore) key(userID string) string {
	return s.cache.Key("devices", userID)
}

func fingerprintDigest(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}

func (s *DeviceStore) IsKnown(ctx context.Context, userID, fingerprint string) (bool, error) {
	known, err := s.cache.Client.SIsMember(ctx, s.key(userID), fingerprintDigest(fingerprint)).Result()
	if err != nil {
		return false, mapRedisError("sismember", err)
	}
	return known, nil
}

// Remember adds the fingerprint and restarts the set's TTL
func (s *DeviceStore) Remember(ctx context.Context, userID, fingerprint string, ttl time.Duration) error {
	key := s.key(userID)
	_, err := s.cache.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, fingerprintDigest(fingerprint))
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	return mapRedisError("sadd", err)
}
