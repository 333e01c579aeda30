package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn é uma conexão determinística de teste.
type fakeConn struct {
	id     uint64
	uses   atomic.Int32
	broken atomic.Bool
}

// stubManager conta connects/disconnects e devolve fakeConns com IDs
// sequenciais. Falhas de connect e de validação são injetáveis.
type stubManager struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	nextID      uint64

	connectDelay time.Duration
	connectErr   func(attempt int) error
	validErr     func(c *fakeConn) error
}

func (m *stubManager) Connect(ctx context.Context) (*fakeConn, error) {
	m.mu.Lock()
	m.connects++
	attempt := m.connects
	m.nextID++
	id := m.nextID
	delay := m.connectDelay
	errFn := m.connectErr
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if errFn != nil {
		if err := errFn(attempt); err != nil {
			return nil, err
		}
	}
	return &fakeConn{id: id}, nil
}

func (m *stubManager) IsValid(ctx context.Context, c *fakeConn) error {
	if m.validErr != nil {
		return m.validErr(c)
	}
	return nil
}

func (m *stubManager) HasBroken(c *fakeConn) bool {
	return c.broken.Load()
}

func (m *stubManager) Disconnect(c *fakeConn) {
	m.mu.Lock()
	m.disconnects++
	m.mu.Unlock()
}

func (m *stubManager) counts() (connects, disconnects int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects, m.disconnects
}

var _ Manager[*fakeConn] = (*stubManager)(nil)

// recordSink acumula os erros drenados em segundo plano.
type recordSink struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordSink) Sink(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	mgr := &stubManager{}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(1).
		TestOnCheckOut(false).
		MaxLifetime(0).
		IdleTimeout(0).
		BuildUnchecked(mgr)
	require.NoError(t, err)
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first := pc.Conn().id
	pc.Release()

	st := p.Stats()
	assert.Equal(t, uint32(1), st.Connections)
	assert.Equal(t, uint32(1), st.Idle)

	// Sem churn, a mesma conexão volta no próximo checkout.
	pc, err = p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, pc.Conn().id)
	pc.Release()

	connects, _ := mgr.counts()
	assert.Equal(t, 1, connects)
}

func TestReleaseIsIdempotent(t *testing.T) {
	mgr := &stubManager{}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(2).
		TestOnCheckOut(false).
		MaxLifetime(0).
		IdleTimeout(0).
		BuildUnchecked(mgr)
	require.NoError(t, err)
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	pc.Release()
	pc.Release()
	pc.Release()

	st := p.Stats()
	assert.Equal(t, uint32(1), st.Connections)
	assert.Equal(t, uint32(1), st.Idle)
}

func TestBoundedConcurrency(t *testing.T) {
	mgr := &stubManager{}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(2).
		MinIdle(0).
		TestOnCheckOut(false).
		MaxLifetime(0).
		IdleTimeout(0).
		ConnectionTimeout(5 * time.Second).
		BuildUnchecked(mgr)
	require.NoError(t, err)
	defer p.Close()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[uint64]bool{}
	)
	start := time.Now()
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Run(context.Background(), func(ctx context.Context, c *fakeConn) error {
				mu.Lock()
				seen[c.id] = true
				mu.Unlock()
				time.Sleep(50 * time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	// 10 empréstimos de 50ms sobre 2 conexões: 5 rodadas sequenciais.
	assert.Len(t, seen, 2)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)

	connects, _ := mgr.counts()
	assert.Equal(t, 2, connects)
}

func TestAcquireTimeoutWhenExhausted(t *testing.T) {
	mgr := &stubManager{}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(1).
		TestOnCheckOut(false).
		MaxLifetime(0).
		IdleTimeout(0).
		ConnectionTimeout(50 * time.Millisecond).
		BuildUnchecked(mgr)
	require.NoError(t, err)
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimedOut)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)

	pc.Release()
	st := p.Stats()
	assert.Equal(t, uint32(1), st.Connections)
	assert.Equal(t, uint32(1), st.Idle)
}

func TestEagerBuildEstablishesMinIdle(t *testing.T) {
	mgr := &stubManager{}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(5).
		MinIdle(3).
		MaxLifetime(0).
		IdleTimeout(0).
		Build(context.Background(), mgr)
	require.NoError(t, err)
	defer p.Close()

	st := p.Stats()
	assert.Equal(t, uint32(3), st.Connections)
	assert.Equal(t, uint32(3), st.Idle)

	connects, _ := mgr.counts()
	assert.Equal(t, 3, connects)
}

func TestEagerBuildPropagatesConnectError(t *testing.T) {
	boom := errors.New("refused")
	mgr := &stubManager{connectErr: func(int) error { return boom }}

	_, err := NewBuilder[*fakeConn]().
		MaxSize(3).
		MinIdle(2).
		Build(context.Background(), mgr)
	require.ErrorIs(t, err, boom)
}

func TestBuildUncheckedDrainsErrorsToSink(t *testing.T) {
	boom := errors.New("refused")
	mgr := &stubManager{connectErr: func(int) error { return boom }}
	sink := &recordSink{}

	p, err := NewBuilder[*fakeConn]().
		MaxSize(5).
		MinIdle(2).
		ErrorSink(sink).
		BuildUnchecked(mgr)
	require.NoError(t, err)
	defer p.Close()

	require.Eventually(t, func() bool { return sink.len() == 2 },
		2*time.Second, 10*time.Millisecond)

	st := p.Stats()
	assert.Equal(t, uint32(0), st.Connections)
	assert.Equal(t, uint32(0), st.Pending)
}

func TestInvalidConnectionReplacedOnCheckout(t *testing.T) {
	mgr := &stubManager{}
	mgr.validErr = func(c *fakeConn) error {
		if c.id == 1 {
			return fmt.Errorf("conn %d unhealthy", c.id)
		}
		return nil
	}

	p, err := NewBuilder[*fakeConn]().
		MaxSize(5).
		MinIdle(1).
		TestOnCheckOut(true).
		MaxLifetime(0).
		IdleTimeout(0).
		ConnectionTimeout(2 * time.Second).
		Build(context.Background(), mgr)
	require.NoError(t, err)
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, uint64(1), pc.Conn().id)
	pc.Release()

	_, disconnects := mgr.counts()
	assert.GreaterOrEqual(t, disconnects, 1)
}

func TestBrokenConnectionDroppedOnReturn(t *testing.T) {
	mgr := &stubManager{}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(1).
		TestOnCheckOut(false).
		MaxLifetime(0).
		IdleTimeout(0).
		BuildUnchecked(mgr)
	require.NoError(t, err)
	defer p.Close()

	var firstID uint64
	err = p.Run(context.Background(), func(ctx context.Context, c *fakeConn) error {
		firstID = c.id
		// Marca a conexão como quebrada após o primeiro uso.
		c.broken.Store(true)
		return nil
	})
	require.NoError(t, err)

	st := p.Stats()
	assert.Equal(t, uint32(0), st.Connections)

	var secondID uint64
	err = p.Run(context.Background(), func(ctx context.Context, c *fakeConn) error {
		secondID = c.id
		return nil
	})
	require.NoError(t, err)

	assert.NotEqual(t, firstID, secondID)
	st = p.Stats()
	assert.LessOrEqual(t, st.Connections, uint32(1))

	_, disconnects := mgr.counts()
	assert.Equal(t, 1, disconnects)
}

func TestReapByIdleTimeout(t *testing.T) {
	mgr := &stubManager{}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(5).
		MinIdle(0).
		TestOnCheckOut(false).
		MaxLifetime(0).
		IdleTimeout(100 * time.Millisecond).
		ReaperRate(50 * time.Millisecond).
		BuildUnchecked(mgr)
	require.NoError(t, err)
	defer p.Close()

	err = p.Run(context.Background(), func(ctx context.Context, c *fakeConn) error { return nil })
	require.NoError(t, err)
	require.Equal(t, uint32(1), p.Stats().Idle)

	require.Eventually(t, func() bool {
		st := p.Stats()
		return st.Idle == 0 && st.Connections == 0
	}, 2*time.Second, 20*time.Millisecond)

	_, disconnects := mgr.counts()
	assert.Equal(t, 1, disconnects)
}

func TestReapByMaxLifetime(t *testing.T) {
	mgr := &stubManager{}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(5).
		MinIdle(0).
		TestOnCheckOut(false).
		MaxLifetime(80 * time.Millisecond).
		IdleTimeout(0).
		ReaperRate(30 * time.Millisecond).
		BuildUnchecked(mgr)
	require.NoError(t, err)
	defer p.Close()

	err = p.Run(context.Background(), func(ctx context.Context, c *fakeConn) error { return nil })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return p.Stats().Connections == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReaperDisabledKeepsIdle(t *testing.T) {
	mgr := &stubManager{}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(2).
		TestOnCheckOut(false).
		MaxLifetime(0).
		IdleTimeout(0).
		ReaperRate(10 * time.Millisecond).
		BuildUnchecked(mgr)
	require.NoError(t, err)
	defer p.Close()

	err = p.Run(context.Background(), func(ctx context.Context, c *fakeConn) error { return nil })
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	st := p.Stats()
	assert.Equal(t, uint32(1), st.Idle)
	assert.Equal(t, uint32(1), st.Connections)
}

func TestWaitersServedFIFO(t *testing.T) {
	mgr := &stubManager{}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(1).
		TestOnCheckOut(false).
		MaxLifetime(0).
		IdleTimeout(0).
		ConnectionTimeout(2 * time.Second).
		BuildUnchecked(mgr)
	require.NoError(t, err)
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)

	order := make(chan string, 2)
	var wg sync.WaitGroup
	borrower := func(label string) {
		defer wg.Done()
		got, err := p.Acquire(context.Background())
		if assert.NoError(t, err) {
			order <- label
			time.Sleep(10 * time.Millisecond)
			got.Release()
		}
	}

	wg.Add(1)
	go borrower("b")
	time.Sleep(50 * time.Millisecond)
	wg.Add(1)
	go borrower("c")
	time.Sleep(50 * time.Millisecond)

	// Com waiters na fila, idle permanece vazio.
	assert.Equal(t, uint32(0), p.Stats().Idle)

	pc.Release()
	wg.Wait()
	close(order)

	var got []string
	for l := range order {
		got = append(got, l)
	}
	assert.Equal(t, []string{"b", "c"}, got)
}

func TestAcquireContextCancellation(t *testing.T) {
	mgr := &stubManager{}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(1).
		TestOnCheckOut(false).
		MaxLifetime(0).
		IdleTimeout(0).
		ConnectionTimeout(5 * time.Second).
		BuildUnchecked(mgr)
	require.NoError(t, err)
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer pc.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAcquireSurfacesConnectError(t *testing.T) {
	boom := errors.New("refused")
	mgr := &stubManager{connectErr: func(int) error { return boom }}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(1).
		TestOnCheckOut(false).
		MaxLifetime(0).
		IdleTimeout(0).
		ConnectionTimeout(5 * time.Second).
		BuildUnchecked(mgr)
	require.NoError(t, err)
	defer p.Close()

	// A falha do connect oportunista é reportada a quem espera, bem
	// antes do connection_timeout.
	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Less(t, time.Since(start), time.Second)

	st := p.Stats()
	assert.Equal(t, uint32(0), st.Connections)
	assert.Equal(t, uint32(0), st.Pending)
}

func TestSlowConnectThenTimeout(t *testing.T) {
	mgr := &stubManager{connectDelay: 200 * time.Millisecond}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(1).
		TestOnCheckOut(false).
		MaxLifetime(0).
		IdleTimeout(0).
		ConnectionTimeout(50 * time.Millisecond).
		BuildUnchecked(mgr)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrTimedOut)

	// Quando o connect atrasado resolve, a conexão termina em idle.
	require.Eventually(t, func() bool {
		st := p.Stats()
		return st.Connections == 1 && st.Idle == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseStopsBackgroundTasks(t *testing.T) {
	mgr := &stubManager{}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(3).
		MinIdle(1).
		IdleTimeout(time.Hour).
		ReaperRate(10 * time.Millisecond).
		Build(context.Background(), mgr)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	connects, disconnects := mgr.counts()

	time.Sleep(100 * time.Millisecond)
	connectsAfter, disconnectsAfter := mgr.counts()
	assert.Equal(t, connects, connectsAfter)
	assert.Equal(t, disconnects, disconnectsAfter)
}

func TestCloseWakesWaiters(t *testing.T) {
	mgr := &stubManager{}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(1).
		TestOnCheckOut(false).
		MaxLifetime(0).
		IdleTimeout(0).
		ConnectionTimeout(5 * time.Second).
		BuildUnchecked(mgr)
	require.NoError(t, err)

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		waitErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, p.Close())

	select {
	case err := <-waitErr:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}

	pc.Release()
}

func TestAcquireAfterClose(t *testing.T) {
	mgr := &stubManager{}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(1).
		MaxLifetime(0).
		IdleTimeout(0).
		BuildUnchecked(mgr)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestRunPassesUserErrorThrough(t *testing.T) {
	mgr := &stubManager{}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(1).
		TestOnCheckOut(false).
		MaxLifetime(0).
		IdleTimeout(0).
		BuildUnchecked(mgr)
	require.NoError(t, err)
	defer p.Close()

	boom := errors.New("user failure")
	err = p.Run(context.Background(), func(ctx context.Context, c *fakeConn) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// O erro do usuário não atrapalha a devolução.
	st := p.Stats()
	assert.Equal(t, uint32(1), st.Connections)
	assert.Equal(t, uint32(1), st.Idle)
}

func TestDedicatedConnectionBypassesPool(t *testing.T) {
	mgr := &stubManager{}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(1).
		MaxLifetime(0).
		IdleTimeout(0).
		BuildUnchecked(mgr)
	require.NoError(t, err)
	defer p.Close()

	c, err := p.DedicatedConnection(context.Background())
	require.NoError(t, err)
	require.NotNil(t, c)

	st := p.Stats()
	assert.Equal(t, uint32(0), st.Connections)
	assert.Equal(t, uint32(0), st.Pending)
}

func TestPoolInvariantsUnderChurn(t *testing.T) {
	mgr := &stubManager{}
	p, err := NewBuilder[*fakeConn]().
		MaxSize(3).
		MinIdle(1).
		TestOnCheckOut(false).
		MaxLifetime(0).
		IdleTimeout(0).
		ConnectionTimeout(2 * time.Second).
		BuildUnchecked(mgr)
	require.NoError(t, err)
	defer p.Close()

	stop := make(chan struct{})
	var observer sync.WaitGroup
	observer.Add(1)
	go func() {
		defer observer.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			st := p.Stats()
			assert.LessOrEqual(t, st.Connections+st.Pending, st.Max)
			assert.LessOrEqual(t, st.Idle, st.Connections)
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				err := p.Run(context.Background(), func(ctx context.Context, c *fakeConn) error {
					c.uses.Add(1)
					if (n+j)%7 == 0 {
						c.broken.Store(true)
					}
					time.Sleep(time.Duration(n%3+1) * time.Millisecond)
					return nil
				})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	observer.Wait()
}
