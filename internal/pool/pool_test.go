package pool

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/iquestfs/internal/storage/memory"
	"github.com/objectfs/iquestfs/pkg/errors"
	"github.com/objectfs/iquestfs/pkg/types"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPool(t *testing.T, cat *memory.Catalog, cfg Config) *Pool {
	t.Helper()
	p := New(cat.Dialer(), cfg)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestAcquireRelease(t *testing.T) {
	cat := memory.NewCatalog()
	p := newTestPool(t, cat, Config{})
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, c.Session())

	status, active, pending := p.Counts(c)
	assert.Equal(t, StatusInUse, status)
	assert.Equal(t, 1, active)
	assert.Equal(t, 0, pending)

	p.Release(c)
	status, active, pending = p.Counts(c)
	assert.Equal(t, StatusFree, status)
	assert.Equal(t, 0, active)
	assert.Equal(t, 0, pending)

	again, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, c, again, "free connection is reused")
	p.Release(again)
	assert.Equal(t, 1, cat.Connects())
}

func TestPoolSaturation(t *testing.T) {
	cat := memory.NewCatalog()
	p := newTestPool(t, cat, Config{MaxConns: 2, HighWater: 2, WaitTimeout: 5 * time.Second})
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err == nil {
			got <- c
		}
	}()

	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-got:
		t.Fatal("third acquire must block while two connections are held")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(c1)

	select {
	case c3 := <-got:
		assert.Same(t, c1, c3)
		p.Release(c3)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by release")
	}
	p.Release(c2)

	assert.Equal(t, 2, cat.Connects(), "no third connection is created")
	assert.Equal(t, 2, p.Stats().Total)
}

func TestWaitTimeoutIsNotAnError(t *testing.T) {
	cat := memory.NewCatalog()
	p := newTestPool(t, cat, Config{MaxConns: 1, HighWater: 1, WaitTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err == nil {
			p.Release(c)
		}
		done <- err
	}()

	require.Eventually(t, func() bool { return p.Stats().Timeouts > 0 }, time.Second, 5*time.Millisecond)
	p.Release(c1)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not complete")
	}
}

func TestAcquireHonorsCancellation(t *testing.T) {
	cat := memory.NewCatalog()
	p := newTestPool(t, cat, Config{MaxConns: 1, HighWater: 1})

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(c1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeWaitCanceled))
	assert.Equal(t, 0, p.Stats().Waiters)
}

func TestStealIdleConnection(t *testing.T) {
	cat := memory.NewCatalog()
	p := newTestPool(t, cat, Config{MaxConns: 1, HighWater: 1})
	ctx := context.Background()

	held := true
	p.SetReferenceChecks(func(*Conn) bool { return held }, nil)

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(c1)

	status, _, _ := p.Counts(c1)
	require.Equal(t, StatusInUse, status, "referenced connection is not freed")

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, c1, c2, "unused connection is stolen at capacity")
	p.Release(c2)
	assert.Equal(t, 1, cat.Connects())
}

func TestAcquireBoundTo(t *testing.T) {
	cat := memory.NewCatalog()
	p := newTestPool(t, cat, Config{})
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Unuse(c1)

	p.SetReferenceChecks(
		func(c *Conn) bool { return c == c1 },
		func(path string) *Conn {
			if path == "/zone/a" {
				return c1
			}
			return nil
		})

	bound, err := p.AcquireBoundTo(ctx, "/zone/a")
	require.NoError(t, err)
	assert.Same(t, c1, bound)
	p.Unuse(bound)

	other, err := p.AcquireBoundTo(ctx, "/zone/b")
	require.NoError(t, err)
	assert.NotSame(t, c1, other)
	p.Release(other)
}

func TestReconnectThenSucceed(t *testing.T) {
	cat := memory.NewCatalog()
	cat.PutObject("/zone/a", []byte("abc"), 0644)
	p := newTestPool(t, cat, Config{})
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(c)

	cat.FailNext(memory.OpStat, 1)

	var st *types.ObjectStat
	err = p.Do(ctx, c, func(ctx context.Context, s types.Session) error {
		var err error
		st, err = s.Stat(ctx, "/zone/a")
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Size)
	assert.Equal(t, int64(1), p.Stats().Reconnects)
	assert.Equal(t, 2, cat.Calls(memory.OpStat))
	assert.Equal(t, 2, cat.Connects())
	assert.Equal(t, 1, cat.Disconnects())
}

func TestTransportErrorRetriedOnlyOnce(t *testing.T) {
	cat := memory.NewCatalog()
	p := newTestPool(t, cat, Config{})
	ctx := context.Background()

	cat.FailNext(memory.OpStat, 5)
	err := p.With(ctx, func(ctx context.Context, s types.Session) error {
		_, err := s.Stat(ctx, "/")
		return err
	})

	assert.True(t, errors.IsTransport(err))
	assert.Equal(t, 2, cat.Calls(memory.OpStat))
	assert.Equal(t, int64(1), p.Stats().Reconnects)
}

func TestConnectRetriesOnce(t *testing.T) {
	t.Run("second attempt succeeds", func(t *testing.T) {
		cat := memory.NewCatalog()
		p := newTestPool(t, cat, Config{})

		cat.FailNext(memory.OpConnect, 1)
		c, err := p.Acquire(context.Background())
		require.NoError(t, err)
		p.Release(c)
		assert.Equal(t, 2, cat.Calls(memory.OpConnect))
	})

	t.Run("two failures surface a connect error", func(t *testing.T) {
		cat := memory.NewCatalog()
		p := newTestPool(t, cat, Config{})

		cat.FailNext(memory.OpConnect, 2)
		_, err := p.Acquire(context.Background())
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeConnectFailed))
		assert.True(t, errors.IsAuth(err), "connect failure is distinguished from transport errors")
		assert.False(t, errors.IsTransport(err))
		assert.Equal(t, syscall.EPERM, errors.Errno(err))
		assert.Equal(t, 0, p.Stats().Total)
		assert.Equal(t, 0, p.Stats().Connecting)
	})

	t.Run("credential errors pass through", func(t *testing.T) {
		cat := memory.NewCatalog()
		p := newTestPool(t, cat, Config{})

		cat.SetAuthError(errors.NewError(errors.ErrCodeCredentialExpired, "ticket expired"))
		_, err := p.Acquire(context.Background())
		assert.True(t, errors.HasCode(err, errors.ErrCodeCredentialExpired))
		assert.Equal(t, 1, cat.Disconnects())
	})
}

func TestFailedReconnectDropsConnection(t *testing.T) {
	cat := memory.NewCatalog()
	p := New(cat.Dialer(), Config{})
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)

	cat.FailNext(memory.OpConnect, 2)
	require.Error(t, p.Reconnect(ctx, c))
	p.Release(c)

	assert.Equal(t, 0, p.Stats().Total, "broken connection leaves the pool")
	require.NoError(t, p.Close())
	assert.Equal(t, cat.Connects(), cat.Disconnects())
}

func TestRecoveredConnectionReturnsToPool(t *testing.T) {
	cat := memory.NewCatalog()
	p := New(cat.Dialer(), Config{})
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		p.Use(c)
		err := p.Do(ctx, c, func(ctx context.Context, s types.Session) error {
			_, err := s.Stat(ctx, "/")
			return err
		})
		p.Unuse(c)
		p.Relinquish(c)
		done <- err
	}()
	require.Eventually(t, func() bool {
		_, _, pending := p.Counts(c)
		return pending == 1
	}, time.Second, 5*time.Millisecond)

	cat.FailNext(memory.OpConnect, 2)
	require.Error(t, p.Reconnect(ctx, c))
	p.Release(c)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second holder never ran")
	}

	status, _, _ := p.Counts(c)
	assert.Equal(t, StatusFree, status)
	assert.Equal(t, 1, p.Stats().Total)

	require.NoError(t, p.Close())
	assert.Equal(t, 2, cat.Connects())
	assert.Equal(t, cat.Connects(), cat.Disconnects(), "every remote session is disconnected")
}

func TestMarkBusyIdle(t *testing.T) {
	cat := memory.NewCatalog()
	p := newTestPool(t, cat, Config{})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.MarkIdle(c)
	_, active, _ := p.Counts(c)
	assert.Equal(t, 0, active)

	p.MarkBusy(c)
	status, active, _ := p.Counts(c)
	assert.Equal(t, StatusInUse, status)
	assert.Equal(t, 1, active)
	p.Release(c)
}

func TestManagerStartsAtHighWater(t *testing.T) {
	cat := memory.NewCatalog()
	p := newTestPool(t, cat, Config{MaxConns: 4, HighWater: 2})
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, p.ManagerRunning())

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, p.ManagerRunning())

	p.Release(c1)
	p.Release(c2)
}

func TestSweepReclaimsIdleConnections(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	cat := memory.NewCatalog()
	p := newTestPool(t, cat, Config{MaxConns: 4, HighWater: 4, IdleTimeout: time.Minute, Now: clk.Now})
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(c1)

	clk.Advance(2 * time.Minute)
	p.sweep()

	stats := p.Stats()
	assert.Equal(t, 1, stats.Total, "only the idle free connection is reclaimed")
	assert.Equal(t, int64(1), stats.Reclaimed)
	assert.Equal(t, 1, cat.Disconnects())

	p.Release(c2)
}

func TestSweepTrimsToHighWater(t *testing.T) {
	cat := memory.NewCatalog()
	p := newTestPool(t, cat, Config{MaxConns: 4, HighWater: 2})
	ctx := context.Background()

	var conns []*Conn
	for i := 0; i < 4; i++ {
		c, err := p.Acquire(ctx)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Release(c)
	}

	p.sweep()
	assert.Equal(t, 2, p.Stats().Total)
}

func TestCloseWakesWaiters(t *testing.T) {
	cat := memory.NewCatalog()
	p := New(cat.Dialer(), Config{MaxConns: 1, HighWater: 1})
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())
	select {
	case err := <-done:
		assert.True(t, errors.HasCode(err, errors.ErrCodePoolClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by Close")
	}
	_ = c1
}

func TestConcurrentAccounting(t *testing.T) {
	cat := memory.NewCatalog()
	p := newTestPool(t, cat, Config{MaxConns: 3, HighWater: 2, WaitTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				err := p.With(ctx, func(ctx context.Context, s types.Session) error {
					_, err := s.Stat(ctx, "/")
					return err
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.LessOrEqual(t, stats.Total, 3)
	assert.Equal(t, 0, stats.InUse)
	assert.LessOrEqual(t, cat.Connects(), 3+int(stats.Reclaimed))
}
