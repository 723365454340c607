package cache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRedisIntegration(t *testing.T) {
	if os.Getenv("SKIP_DOCKER") == "1" {
		t.Skip("SKIP_DOCKER=1 set; skipping integration test")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker not available: %v", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "redis",
		Tag:        "7-alpine",
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pool.Purge(resource)
	})

	var client *redis.Client
	err = pool.Retry(func() error {
		client = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("localhost:%s", resource.GetPort("6379/tcp"))})
		return client.Ping(context.Background()).Err()
	})
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	r := NewRedis(client, "test", zaptest.NewLogger(t))

	_, err = r.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrMiss)

	require.NoError(t, r.Set(ctx, "k", []byte("v"), time.Minute))
	v, err := r.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	require.NoError(t, r.Delete(ctx, "k"))
	_, err = r.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMiss)

	ok, err := r.SetNX(ctx, "claim", []byte("1"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = r.SetNX(ctx, "claim", []byte("1"), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, r.Ping(ctx))
}

func TestRedisKeyPrefix(t *testing.T) {
	for _, prefix := range []string{"consentvault", "consentvault:"} {
		r := NewRedis(nil, prefix, zaptest.NewLogger(t))
		require.Equal(t, "consentvault:consent:record:42", r.key("consent:record:42"))
	}
}
