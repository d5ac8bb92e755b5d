//go:build integration

package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/newtconv/pkg/device"
)

// AppDB is the SONiC application database index.
const AppDB = 0

// RedisAddr returns the address of the test Redis server from
// NEWTCONV_TEST_REDIS_ADDR.
func RedisAddr() string {
	return os.Getenv("NEWTCONV_TEST_REDIS_ADDR")
}

// SkipIfNoRedis skips the test if the test Redis server is not reachable.
func SkipIfNoRedis(t *testing.T) string {
	t.Helper()

	addr := RedisAddr()
	if addr == "" {
		t.Skip("test Redis not available: set NEWTCONV_TEST_REDIS_ADDR")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr, DB: AppDB})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("test Redis not reachable at %s: %v", addr, err)
	}
	return addr
}

// FlushAppDB empties APP_DB.
func FlushAppDB(t *testing.T, addr string) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr, DB: AppDB})
	defer client.Close()

	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flushing APP_DB: %v", err)
	}
}

// SeedRoutes writes ROUTE_TABLE entries keyed by prefix into APP_DB.
func SeedRoutes(t *testing.T, addr string, routes map[string]map[string]string) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr, DB: AppDB})
	defer client.Close()

	ctx := context.Background()
	pipe := client.Pipeline()
	for prefix, fields := range routes {
		args := make([]interface{}, 0, len(fields)*2)
		for k, v := range fields {
			args = append(args, k, v)
		}
		pipe.HSet(ctx, "ROUTE_TABLE:"+prefix, args...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		t.Fatalf("seeding ROUTE_TABLE: %v", err)
	}
}

// redisChannel points every router of a channel at one Redis server.
type redisChannel struct {
	device.Channel
	addr string
}

func (c *redisChannel) RedisAddr(ctx context.Context, router string) (string, error) {
	return c.addr, nil
}

// WithRedis returns ch extended with device.RedisForwarder for addr.
func WithRedis(ch device.Channel, addr string) device.Channel {
	return &redisChannel{Channel: ch, addr: addr}
}
