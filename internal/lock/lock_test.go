package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_TryLock(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	unlock, err := l.TryLock(ctx, "workday_flow")
	require.NoError(t, err)
	assert.True(t, l.Held("workday_flow"))

	_, err = l.TryLock(ctx, "workday_flow")
	assert.ErrorIs(t, err, ErrLocked)

	other, err := l.TryLock(ctx, "inbox_flow")
	require.NoError(t, err, "keys are independent")
	other()

	unlock()
	unlock()
	assert.False(t, l.Held("workday_flow"))

	again, err := l.TryLock(ctx, "workday_flow")
	require.NoError(t, err)
	again()
}

func TestLocal_SingleWinner(t *testing.T) {
	l := NewLocal()
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := l.TryLock(context.Background(), "job"); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestRedis_TryLock(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis lock test")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(ctx).Err())

	key := "test_" + time.Now().Format("150405.000000")
	a := NewRedis(client, time.Minute, nil)
	b := NewRedis(client, time.Minute, nil)

	unlock, err := a.TryLock(ctx, key)
	require.NoError(t, err)

	_, err = b.TryLock(ctx, key)
	assert.ErrorIs(t, err, ErrLocked)

	unlock()
	unlockB, err := b.TryLock(ctx, key)
	require.NoError(t, err)

	// A stale release from the first holder must not free b's lock.
	unlock()
	_, err = a.TryLock(ctx, key)
	assert.ErrorIs(t, err, ErrLocked)
	unlockB()
}
