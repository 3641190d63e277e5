package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BradenHooton/gatekeeper/internal/config"
)

// Cache owns the TTL store client shared by every Redis-backed adapter
type Cache struct {
	Client *redis.Client
	Prefix string
	logger *slog.Logger
}

func NewConnection(cfg *config.RedisConfig, logger *slog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to ping redis: %w", err)
	}

	logger.Info("redis connection established",
		slog.String("addr", cfg.Addr),
		slog.Int("db", cfg.DB),
	)

	return &Cache{Client: client, Prefix: cfg.KeyPrefix, logger: logger}, nil
}

// Wrap adopts an existing client, used by tests against miniredis
func Wrap(client *redis.Client, prefix string, logger *slog.Logger) *Cache {
	return &Cache{Client: client, Prefix: prefix, logger: logger}
}

func (c *Cache) Close() error {
	c.logger.Info("closing redis connection")
	return c.Client.Close()
}

func (c *Cache) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Key joins parts under the configured namespace
func (c *Cache) Key(parts ...string) string {
	key := c.Prefix
	for _, p := range parts {
		if key == "" {
			key = p
			continue
		}
		key += ":" + p
	}
	return key
}
