package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the connection to a Redis backend.
type RedisConfig struct {
	// Addr is host:port of the Redis server.
	Addr string
	// Password is optional; leave empty for unauthenticated servers.
	Password string
	// DB selects the logical database.
	DB int
	// UseTLS enables TLS (1.2 minimum) on the connection.
	UseTLS bool
	// Prefix namespaces every key, e.g. "linkup" stores "linkup:readings".
	Prefix string
}

// Redis stores values in a Redis server, letting several processes on one
// account share a single reading cache.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis builds the backend. The connection is lazy; use Ping to verify it.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("store: redis address is required")
	}
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &Redis{client: redis.NewClient(opts), prefix: cfg.Prefix}, nil
}

func (s *Redis) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// Ping verifies the server is reachable.
func (s *Redis) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store: redis ping: %w", err)
	}
	return nil
}

// Get returns the value for key, or (nil, nil) when the key does not exist.
func (s *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: redis get %s: %w", key, err)
	}
	return val, nil
}

// Set stores value under key without a server-side expiry; freshness is
// tracked by the cached document itself.
func (s *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("store: redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *Redis) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("store: redis del %s: %w", key, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Redis) Close() error {
	return s.client.Close()
}
