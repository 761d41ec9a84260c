package kvstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/online_pharmacy/internal/dbtest"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestMemory_SetNXAndExpiry(t *testing.T) {
	clk := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.now = clk.now
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "evt_1", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "evt_1", "2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	v, found, err := m.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", v)

	clk.advance(time.Minute)
	ok, err = m.SetNX(ctx, "evt_1", "3", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired entries can be claimed again")
}

func TestMemory_IncrWindow(t *testing.T) {
	clk := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.now = clk.now
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := m.Incr(ctx, "c", time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	clk.advance(time.Second)
	n, err := m.Incr(ctx, "c", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGorm_SetNXIsExclusive(t *testing.T) {
	s := NewGorm(dbtest.Open(t))
	ctx := context.Background()

	const racers = 10
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.SetNX(ctx, "webhook:evt_9", "seen", time.Hour)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)

	require.NoError(t, s.Delete(ctx, "webhook:evt_9"))
	_, found, err := s.Get(ctx, "webhook:evt_9")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGorm_ExpiredEntriesAreReplaced(t *testing.T) {
	s := NewGorm(dbtest.Open(t))
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "k", "old", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	ok, err = s.SetNX(ctx, "k", "new", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	v, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "new", v)

	_, err = s.SetNX(ctx, "stale", "x", -time.Second)
	require.NoError(t, err)
	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGorm_Incr(t *testing.T) {
	s := NewGorm(dbtest.Open(t))
	ctx := context.Background()

	for i := int64(1); i <= 4; i++ {
		n, err := s.Incr(ctx, "rl:x", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
}

func TestRateLimiterStore(t *testing.T) {
	clk := &clock{t: time.Date(2025, 1, 1, 0, 0, 10, 0, time.UTC)}
	mem := NewMemory()
	mem.now = clk.now

	rl := NewRateLimiterStore(mem, "orders", 2, time.Minute)
	rl.now = clk.now

	for i, want := range []bool{true, true, false} {
		ok, err := rl.Allow("buyer-1")
		require.NoError(t, err)
		assert.Equal(t, want, ok, "call %d", i)
	}

	ok, err := rl.Allow("buyer-2")
	require.NoError(t, err)
	assert.True(t, ok, "limits are per identifier")

	clk.advance(time.Minute)
	ok, err = rl.Allow("buyer-1")
	require.NoError(t, err)
	assert.True(t, ok, "a new window starts fresh")
}
