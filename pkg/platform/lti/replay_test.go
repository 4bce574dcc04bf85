package lti

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti/pkg/platform/storage"

	_ "modernc.org/sqlite"
)

type replayBackend struct {
	guard   ReplayGuard
	advance func(time.Duration)
	now     func() time.Time
}

func replayBackends(t *testing.T) map[string]replayBackend {
	t.Helper()
	out := map[string]replayBackend{}

	memClock := newFakeClock()
	mem := NewMemoryReplayGuard()
	mem.Now = memClock.Now
	out["memory"] = replayBackend{guard: mem, advance: memClock.Advance, now: memClock.Now}

	db, err := storage.Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlClock := newFakeClock()
	sg := NewSQLReplayGuard(db)
	sg.Now = sqlClock.Now
	out["sql"] = replayBackend{guard: sg, advance: sqlClock.Advance, now: sqlClock.Now}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redisClock := newFakeClock()
	rg := NewRedisReplayGuard(client)
	rg.Now = redisClock.Now
	out["redis"] = replayBackend{guard: rg, now: redisClock.Now, advance: func(d time.Duration) {
		redisClock.Advance(d)
		mr.FastForward(d)
	}}
	return out
}

func entry(now time.Time, nonce string) ReplayEntry {
	return ReplayEntry{
		State:     "state-" + nonce,
		Nonce:     nonce,
		TenantID:  testTenant,
		ClientID:  testClientID,
		LoginHint: "u1",
		ExpiresAt: now.Add(DefaultReplayTTL),
	}
}

func TestReplayTakeIsSingleUse(t *testing.T) {
	for name, b := range replayBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.guard.Put(ctx, entry(b.now(), "n1")))

			got, ok, err := b.guard.Get(ctx, "n1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "state-n1", got.State)

			got, ok, err = b.guard.Take(ctx, "n1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "u1", got.LoginHint)
			assert.Equal(t, testClientID, got.ClientID)

			_, ok, err = b.guard.Take(ctx, "n1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestReplayExpiredEntriesAreNeverReturned(t *testing.T) {
	for name, b := range replayBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.guard.Put(ctx, entry(b.now(), "n2")))
			b.advance(DefaultReplayTTL + time.Second)

			_, ok, err := b.guard.Get(ctx, "n2")
			require.NoError(t, err)
			assert.False(t, ok)
			_, ok, err = b.guard.Take(ctx, "n2")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestReplayConcurrentTakeHasOneWinner(t *testing.T) {
	for name, b := range replayBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.guard.Put(ctx, entry(b.now(), "race")))

			var (
				wg   sync.WaitGroup
				wins atomic.Int32
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, ok, err := b.guard.Take(ctx, "race"); err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.EqualValues(t, 1, wins.Load())
		})
	}
}

func TestReplayUseMarksFirstSighting(t *testing.T) {
	for name, b := range replayBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := b.guard.Use(ctx, "jti", "abc", time.Minute)
			require.NoError(t, err)
			assert.True(t, first)

			again, err := b.guard.Use(ctx, "JTI", "abc", time.Minute)
			require.NoError(t, err)
			assert.False(t, again)

			other, err := b.guard.Use(ctx, "jti", "def", time.Minute)
			require.NoError(t, err)
			assert.True(t, other)

			b.advance(2 * time.Minute)
			reused, err := b.guard.Use(ctx, "jti", "abc", time.Minute)
			require.NoError(t, err)
			assert.True(t, reused)

			_, err = b.guard.Use(ctx, "", "abc", time.Minute)
			assert.Error(t, err)
		})
	}
}

func TestReplayPutRejectsIncompleteEntries(t *testing.T) {
	for name, b := range replayBackends(t) {
		t.Run(name, func(t *testing.T) {
			e := entry(b.now(), "n3")
			e.State = ""
			assert.Error(t, b.guard.Put(context.Background(), e))
		})
	}
}

func TestSQLReplayPurge(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	clock := newFakeClock()
	g := NewSQLReplayGuard(db)
	g.Now = clock.Now

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Put(ctx, entry(clock.Now(), fmt.Sprintf("p%d", i))))
	}
	_, err = g.Use(ctx, "jti", "x", time.Minute)
	require.NoError(t, err)

	clock.Advance(DefaultReplayTTL + time.Second)
	n, err := g.Purge(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}
