package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "bot:+1555")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 0, l.active(), "entries should be released")
}

func TestLocal_DistinctKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	unlockA, err := l.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestLocal_ContextCancel(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	assert.Equal(t, 0, l.active())
}

func newRedisLocker(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedis_LockUnlock(t *testing.T) {
	mr, client := newRedisLocker(t)
	locker := NewRedis(client, "relaypipe:")
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "+1000:+1555")
	require.NoError(t, err)
	assert.True(t, mr.Exists("relaypipe:lock:+1000:+1555"))

	unlock()
	assert.False(t, mr.Exists("relaypipe:lock:+1000:+1555"))
}

func TestRedis_Contention(t *testing.T) {
	_, client := newRedisLocker(t)
	// Separate lockers model two replicas.
	replica1 := NewRedis(client, "relaypipe:", WithPollInterval(10*time.Millisecond))
	replica2 := NewRedis(client, "relaypipe:", WithPollInterval(10*time.Millisecond))
	ctx := context.Background()

	unlock1, err := replica1.Lock(ctx, "shared")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = replica2.Lock(short, "shared")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock1()
	unlock2, err := replica2.Lock(ctx, "shared")
	require.NoError(t, err)
	unlock2()
}

func TestRedis_UnlockKeepsForeignLock(t *testing.T) {
	mr, client := newRedisLocker(t)
	locker := NewRedis(client, "p:")
	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)

	// Simulate expiry followed by another holder taking the key.
	require.NoError(t, mr.Set("p:lock:k", "someone-else"))
	unlock()
	got, err := mr.Get("p:lock:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedis_TTL(t *testing.T) {
	mr, client := newRedisLocker(t)
	locker := NewRedis(client, "p:", WithTTL(time.Second))
	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()
	mr.FastForward(2 * time.Second)
	assert.False(t, mr.Exists("p:lock:k"))
}

func TestRedis_RenewsLeaseWhileHeld(t *testing.T) {
	mr, client := newRedisLocker(t)
	locker := NewRedis(client, "p:", WithTTL(300*time.Millisecond))
	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)

	mr.FastForward(200 * time.Millisecond)
	assert.Eventually(t, func() bool {
		return mr.TTL("p:lock:k") > 250*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond, "lease should be extended while held")
	mr.FastForward(200 * time.Millisecond)
	assert.True(t, mr.Exists("p:lock:k"))

	unlock()
	assert.False(t, mr.Exists("p:lock:k"))
}

func TestAcquireDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	l, err := AcquireDir(dir)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, DirLockFileName))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), "pid="))

	_, err = AcquireDir(dir)
	var lockErr *DirLockError
	require.True(t, errors.As(err, &lockErr))
	assert.Contains(t, lockErr.Holder, "(running)")

	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	again, err := AcquireDir(dir)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestParsePID(t *testing.T) {
	assert.Equal(t, 1234, parsePID("pid=1234\n"))
	assert.Equal(t, 0, parsePID("garbage"))
	assert.Equal(t, 0, parsePID("pid="))
}
