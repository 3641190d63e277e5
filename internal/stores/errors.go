package stores

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

// mapRedisError turns a backend failure into an infrastructure error.
// Callers handle redis.Nil themselves before reaching here.
func mapRedisError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return models.ErrNotFound
	}
	return models.Infra("redis "+op, err)
}
