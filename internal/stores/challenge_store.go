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

var errHandleTaken = errors.New("challenge handle already in use")

// ChallengeStore parks logins awaiting a second factor. Expiry is Redis TTL
// eviction: an expired handle is a plain miss.
type ChallengeStore struct {
	cache *cache.Cache
}

func NewChallengeStore(c *cache.Cache) *ChallengeStore {
	return &ChallengeStore{cache: c}
}

func (s *ChallengeStore) key(handle string) string {
	return s.cache.Key("challenge", handle)
}

// Save stores the challenge under its handle. A handle is never overwritten.
func (s *ChallengeStore) Save(ctx context.Context, ch *models.PendingChallenge, ttl time.Duration) error {
	if ch.Handle == "" {
		return fmt.Errorf("challenge handle is empty")
	}
	data, err := encodeChallenge(ch)
	if err != nil {
		return err
	}

	ok, err := s.cache.Client.SetNX(ctx, s.key(ch.Handle), data, ttl).Result()
	if err != nil {
		return mapRedisError("setnx", err)
	}
	if !ok {
		return models.Infra("save challenge", errHandleTaken)
	}
	return nil
}

// Consume atomically reads and deletes the challenge and reports the TTL it
// had left. Of any number of concurrent callers exactly one receives it.
func (s *ChallengeStore) Consume(ctx context.Context, handle string) (*models.PendingChallenge, time.Duration, error) {
	key := s.key(handle)

	var (
		ttl *redis.DurationCmd
		get *redis.StringCmd
	)
	_, err := s.cache.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		ttl = pipe.PTTL(ctx, key)
		get = pipe.GetDel(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, mapRedisError("getdel", err)
	}

	data, err := get.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, models.ErrChallengeExpired
		}
		return nil, 0, mapRedisError("getdel", err)
	}
	ch, err := decodeChallenge(handle, data)
	if err != nil {
		return nil, 0, err
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = 0
	}
	return ch, remaining, nil
}

// Restore puts a consumed challenge back after a wrong code, counting the
// attempt. It is stored with the TTL it had left, never more. Once
// maxAttempts is reached, or no time is left, it stays gone and exhausted is true.
func (s *ChallengeStore) Restore(ctx context.Context, ch *models.PendingChallenge, remaining time.Duration, maxAttempts int) (exhausted bool, err error) {
	ch.Attempts++
	if (maxAttempts > 0 && ch.Attempts >= maxAttempts) || remaining <= 0 {
		return true, nil
	}
	if err := s.Save(ctx, ch, remaining); err != nil {
		return false, err
	}
	return false, nil
}

// Delete removes the challenge early and reports whether it still existed
func (s *ChallengeStore) Delete(ctx context.Context, handle string) (bool, error) {
	n, err := s.cache.Client.Del(ctx, s.key(handle)).Result()
	if err != nil {
		return false, mapRedisError("del", err)
	}
	return n > 0, nil
}

func encodeChallenge(ch *models.PendingChallenge) ([]byte, error) {
	record := *ch
	record.Version = models.PendingChallengeVersion
	data, err := json.Marshal(&record)
	if err != nil {
		return nil, fmt.Errorf("encode challenge: %w", err)
	}
	return data, nil
}

func decodeChallenge(handle string, data []byte) (*models.PendingChallenge, error) {
	var ch models.PendingChallenge
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, models.Infra("decode challenge", err)
	}
	if ch.Version != models.PendingChallengeVersion {
		return nil, models.Infra("decode challenge", fmt.Errorf("unsupported version %d", ch.Version))
	}
	ch.Handle = handle
	return &ch, nil
}
