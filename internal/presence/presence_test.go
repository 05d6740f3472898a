package presence

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// exerciseTracker runs the reference-counting contract against any Tracker.
func exerciseTracker(t *testing.T, tr Tracker) {
	t.Helper()
	ctx := context.Background()

	c, err := tr.Join(ctx, "ROOM01", "alice")
	require.NoError(t, err)
	assert.True(t, c.IsOnline)
	assert.Equal(t, []string{"alice"}, c.Online)

	// second tab
	_, err = tr.Join(ctx, "ROOM01", "alice")
	require.NoError(t, err)
	c, err = tr.Join(ctx, "ROOM01", "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, c.Online)

	c, err = tr.Leave(ctx, "ROOM01", "alice")
	require.NoError(t, err)
	assert.True(t, c.IsOnline, "one tab closing must not mark alice offline")
	assert.Equal(t, []string{"alice", "bob"}, c.Online)

	c, err = tr.Leave(ctx, "ROOM01", "alice")
	require.NoError(t, err)
	assert.False(t, c.IsOnline)
	assert.Equal(t, []string{"bob"}, c.Online)

	// extra leave is harmless
	c, err = tr.Leave(ctx, "ROOM01", "alice")
	require.NoError(t, err)
	assert.False(t, c.IsOnline)

	_, err = tr.Join(ctx, "ROOM02", "carol")
	require.NoError(t, err)
	require.NoError(t, tr.Clear(ctx, "ROOM02"))
	online, err := tr.Online(ctx, "ROOM02")
	require.NoError(t, err)
	assert.Empty(t, online)

	c, err = tr.Leave(ctx, "ROOM01", "bob")
	require.NoError(t, err)
	assert.Empty(t, c.Online)
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exerciseTracker(t, m)
	assert.Equal(t, 0, m.roomCount(), "empty rooms are torn down")
}

func TestMemory_ConcurrentTabs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Join(ctx, "ROOM01", "alice")
			_, _ = m.Leave(ctx, "ROOM01", "alice")
		}()
	}
	wg.Wait()

	online, err := m.Online(ctx, "ROOM01")
	require.NoError(t, err)
	assert.Empty(t, online)
	assert.Equal(t, 0, m.roomCount())
}

func TestRedis(t *testing.T) {
	if testing.Short() || os.Getenv("SKIP_DOCKER_TESTS") != "" {
		t.Skip("redis container tests disabled")
	}
	ctx := context.Background()

	var (
		container testcontainers.Container
		err       error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker unavailable: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})
	}()
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	exerciseTracker(t, NewRedis(client))

	n, err := client.Exists(ctx, redisKey("ROOM01")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
