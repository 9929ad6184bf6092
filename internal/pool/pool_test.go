package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/turnstile/internal/pool"
	"github.com/compresr/turnstile/internal/upstream"
)

type fakeConn struct {
	closed atomic.Int32
}

func (c *fakeConn) Stream(context.Context, []byte) (upstream.Stream, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  error
}

func (d *fakeDialer) Dial(ctx context.Context) (upstream.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		err := d.fail
		d.fail = nil
		return nil, err
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func newPool(t *testing.T, cfg pool.Config, opts ...pool.Option) (*pool.Pool, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	p, err := pool.New(cfg, d, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, d
}

// =============================================================================
// ACQUIRE / RELEASE
// =============================================================================

func TestPool_ReusesHealthyConnection(t *testing.T) {
	p, d := newPool(t, pool.Config{MaxConnections: 2})
	ctx := context.Background()

	c1, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.False(t, c1.Reused())
	p.Release(c1, true)

	c2, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, c1.ID(), c2.ID())
	assert.True(t, c2.Reused())
	assert.Equal(t, 1, d.dialed())
	p.Release(c2, true)
}

func TestPool_UnhealthyReleaseDiscards(t *testing.T) {
	p, d := newPool(t, pool.Config{MaxConnections: 1})
	ctx := context.Background()

	c1, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	p.Release(c1, false)
	assert.Equal(t, int32(1), d.conns[0].closed.Load())
	assert.Equal(t, 0, p.Snapshot().Idle)

	c2, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID(), c2.ID())
	assert.Equal(t, 2, d.dialed())
}

func TestPool_DoubleReleaseIsNoop(t *testing.T) {
	p, _ := newPool(t, pool.Config{MaxConnections: 1})
	ctx := context.Background()

	c, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	p.Release(c, true)
	p.Release(c, true)
	p.Release(c, false)

	snap := p.Snapshot()
	assert.Equal(t, 0, snap.InUse)
	assert.Equal(t, 1, snap.Idle)

	// A second release must not have freed an extra slot.
	held, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	_, err = p.Acquire(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, pool.ErrPoolTimeout)
	p.Release(held, true)
}

func TestPool_StaleReleaseDoesNotFreeNewLease(t *testing.T) {
	p, d := newPool(t, pool.Config{MaxConnections: 1})
	ctx := context.Background()

	stale, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	p.Release(stale, true)

	current, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, stale.ID(), current.ID())

	p.Release(stale, false)
	snap := p.Snapshot()
	assert.Equal(t, 1, snap.InUse)
	assert.Equal(t, 0, snap.Idle)
	assert.Equal(t, int32(0), d.conns[0].closed.Load())

	_, err = p.Acquire(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, pool.ErrPoolTimeout)

	p.Release(current, true)
	assert.Equal(t, 0, p.Snapshot().InUse)
	assert.Equal(t, 1, p.Snapshot().Idle)
}

func TestPool_AcquireTimeout(t *testing.T) {
	p, _ := newPool(t, pool.Config{MaxConnections: 1})
	ctx := context.Background()

	c, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	defer p.Release(c, true)

	_, err = p.Acquire(ctx, 30*time.Millisecond)
	require.ErrorIs(t, err, pool.ErrPoolTimeout)

	var terr *pool.TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 1, terr.MaxConnections)
	assert.True(t, terr.Retryable())
	assert.GreaterOrEqual(t, terr.Waited, 30*time.Millisecond)
}

func TestPool_AcquireHonoursContext(t *testing.T) {
	p, _ := newPool(t, pool.Config{MaxConnections: 1})

	c, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer p.Release(c, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, pool.ErrPoolTimeout)
}

func TestPool_BlocksUntilRelease(t *testing.T) {
	p, _ := newPool(t, pool.Config{MaxConnections: 1})
	ctx := context.Background()

	first, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)

	acquired := make(chan *pool.Connection, 1)
	go func() {
		c, err := p.Acquire(ctx, 5*time.Second)
		if err == nil {
			acquired <- c
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second session acquired while the only connection was lent out")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, p.Snapshot().InUse)

	p.Release(first, true)

	select {
	case second, ok := <-acquired:
		require.True(t, ok, "second acquire failed")
		assert.Equal(t, first.ID(), second.ID())
		p.Release(second, true)
	case <-time.After(2 * time.Second):
		t.Fatal("second session never acquired after release")
	}
}

func TestPool_WaitersServedInOrder(t *testing.T) {
	p, _ := newPool(t, pool.Config{MaxConnections: 1})
	ctx := context.Background()

	held, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c, err := p.Acquire(ctx, 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			p.Release(c, true)
		}(i)
		time.Sleep(20 * time.Millisecond) // enqueue waiters in a known order
	}

	p.Release(held, true)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

// =============================================================================
// IDLE MANAGEMENT
// =============================================================================

func TestPool_EvictsExpiredIdleLazily(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Unix(1_700_000_000, 0)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	p, d := newPool(t, pool.Config{MaxConnections: 2, IdleExpiry: time.Minute}, pool.WithClock(clock))
	ctx := context.Background()

	c1, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	p.Release(c1, true)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	// Eviction happens only at acquisition time.
	assert.Equal(t, 1, p.Snapshot().Idle)

	c2, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID(), c2.ID())
	assert.Equal(t, int32(1), d.conns[0].closed.Load())
	assert.Equal(t, 2, d.dialed())
	p.Release(c2, true)
}

func TestPool_RespectsMaxIdle(t *testing.T) {
	p, d := newPool(t, pool.Config{MaxConnections: 3, MaxIdleConnections: 1})
	ctx := context.Background()

	var conns []*pool.Connection
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(ctx, time.Second)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	assert.Equal(t, pool.Snapshot{ConfiguredMax: 3, ConfiguredMaxIdle: 1, InUse: 3}, p.Snapshot())

	for _, c := range conns {
		p.Release(c, true)
	}
	assert.Equal(t, pool.Snapshot{ConfiguredMax: 3, ConfiguredMaxIdle: 1, InUse: 0, Idle: 1}, p.Snapshot())

	closed := 0
	for _, c := range d.conns {
		closed += int(c.closed.Load())
	}
	assert.Equal(t, 2, closed)
}

func TestPool_DialFailureFreesSlot(t *testing.T) {
	p, d := newPool(t, pool.Config{MaxConnections: 1})
	d.fail = errors.New("connection refused")
	ctx := context.Background()

	_, err := p.Acquire(ctx, time.Second)
	var uerr *upstream.Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, upstream.PhaseConnect, uerr.Phase)
	assert.Equal(t, 0, p.Snapshot().InUse)

	c, err := p.Acquire(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	p.Release(c, true)
}

func TestPool_CloseRejectsAcquire(t *testing.T) {
	p, d := newPool(t, pool.Config{MaxConnections: 1})
	ctx := context.Background()

	c, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	p.Release(c, true)

	p.Close()
	assert.Equal(t, int32(1), d.conns[0].closed.Load())

	_, err = p.Acquire(ctx, time.Second)
	assert.ErrorIs(t, err, pool.ErrPoolClosed)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, pool.WithDefaults(pool.Config{}).Validate())
	assert.Error(t, pool.WithDefaults(pool.Config{MaxConnections: 2, MaxIdleConnections: 3}).Validate())
	assert.Error(t, pool.WithDefaults(pool.Config{MaxConnections: -1}).Validate())
}
