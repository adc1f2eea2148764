package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Simerblur/online-data-mining/pkg/logger"
)

type fakeBrowser struct {
	id     int
	closed atomic.Bool
}

func (b *fakeBrowser) Navigate(context.Context, string) (int, error) { return 200, nil }
func (b *fakeBrowser) Evaluate(context.Context, string, any) error { return nil }
func (b *fakeBrowser) OuterHTML(context.Context) (string, error) { return "<html></html>", nil }
func (b *fakeBrowser) Alive() bool { return !b.closed.Load() }
func (b *fakeBrowser) Close() error { b.closed.Store(true); return nil }

type fakeLauncher struct {
	mu       sync.Mutex
	launched []*fakeBrowser
	failures int // fail this many launches before succeeding; -1 fails forever
}

func (l *fakeLauncher) Launch(context.Context) (Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failures != 0 {
		if l.failures > 0 {
			l.failures--
		}
		return nil, errors.New("chrome failed to start")
	}
	b := &fakeBrowser{id: len(l.launched) + 1}
	l.launched = append(l.launched, b)
	return b, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func testConfig() Config {
	return Config{MaxReconnects: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestManager_LazyOpenAndReuse(t *testing.T) {
	launcher := &fakeLauncher{}
	m := NewManager(testConfig(), launcher, logger.Discard())
	assert.Equal(t, Disconnected, m.State())
	assert.Zero(t, launcher.count())

	s, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Busy, m.State())
	assert.Equal(t, uint64(1), s.Generation())

	m.Release(s, FaultNone)
	assert.Equal(t, Ready, m.State())

	s2, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, s.Browser(), s2.Browser())
	m.Release(s2, FaultNone)

	assert.Equal(t, 1, launcher.count())
}

func TestManager_AcquireBlocksWhileBusy(t *testing.T) {
	m := NewManager(testConfig(), &fakeLauncher{}, logger.Discard())

	s, err := m.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan *Session, 1)
	go func() {
		s2, err := m.Acquire(context.Background())
		if err == nil {
			got <- s2
		}
	}()

	m.Release(s, FaultNone)
	select {
	case s2 := <-got:
		m.Release(s2, FaultNone)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired released session")
	}
}

func TestManager_FaultReconnects(t *testing.T) {
	for _, fault := range []Fault{FaultDisconnect, FaultChallenge, FaultTimeout} {
		t.Run(fault.String(), func(t *testing.T) {
			launcher := &fakeLauncher{}
			m := NewManager(testConfig(), launcher, logger.Discard())

			s, err := m.Acquire(context.Background())
			require.NoError(t, err)
			first := s.Browser().(*fakeBrowser)

			m.Release(s, fault)
			assert.Equal(t, Reconnecting, m.State())
			assert.True(t, first.closed.Load())

			s2, err := m.Acquire(context.Background())
			require.NoError(t, err)
			assert.NotSame(t, first, s2.Browser())
			assert.Equal(t, uint64(2), s2.Generation())
			assert.Equal(t, 1, m.Reconnects())
			m.Release(s2, FaultNone)
		})
	}
}

func TestManager_ReconnectRetriesThenSucceeds(t *testing.T) {
	launcher := &fakeLauncher{failures: 2}
	m := NewManager(testConfig(), launcher, logger.Discard())

	s, err := m.Acquire(context.Background())
	require.NoError(t, err)
	m.Release(s, FaultNone)
	assert.Equal(t, Ready, m.State())
}

func TestManager_PermanentlyFailed(t *testing.T) {
	launcher := &fakeLauncher{}
	m := NewManager(testConfig(), launcher, logger.Discard())

	s, err := m.Acquire(context.Background())
	require.NoError(t, err)

	launcher.mu.Lock()
	launcher.failures = -1
	launcher.mu.Unlock()
	m.Release(s, FaultDisconnect)

	_, err = m.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPermanentlyFailed)
	assert.Equal(t, PermanentlyFailed, m.State())

	// stays failed without touching the launcher again
	_, err = m.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPermanentlyFailed)
}

func TestManager_DeadBrowserReplacedOnAcquire(t *testing.T) {
	launcher := &fakeLauncher{}
	m := NewManager(testConfig(), launcher, logger.Discard())

	s, err := m.Acquire(context.Background())
	require.NoError(t, err)
	m.Release(s, FaultNone)

	// browser died while idle
	_ = s.Browser().Close()

	s2, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, s2.Browser().Alive())
	assert.Equal(t, 2, launcher.count())
	m.Release(s2, FaultNone)
}

func TestManager_DoubleReleaseIgnored(t *testing.T) {
	m := NewManager(testConfig(), &fakeLauncher{}, logger.Discard())

	s, err := m.Acquire(context.Background())
	require.NoError(t, err)
	m.Release(s, FaultNone)
	m.Release(s, FaultDisconnect)

	assert.Equal(t, Ready, m.State())

	s2, err := m.Acquire(context.Background())
	require.NoError(t, err)
	m.Release(s2, FaultNone)
}

func TestManager_Reset(t *testing.T) {
	launcher := &fakeLauncher{}
	m := NewManager(testConfig(), launcher, logger.Discard())

	s, err := m.Acquire(context.Background())
	require.NoError(t, err)
	m.Release(s, FaultNone)

	require.NoError(t, m.Reset(context.Background()))
	assert.Equal(t, Ready, m.State())
	assert.Equal(t, 2, launcher.count())
	assert.False(t, s.Browser().Alive())
}

func TestManager_ResetWhileHeldIsDeferred(t *testing.T) {
	launcher := &fakeLauncher{}
	m := NewManager(testConfig(), launcher, logger.Discard())

	held, err := m.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Reset(ctx), "reset must not wait for the holder")
	assert.True(t, m.ResetPending())
	assert.True(t, held.Browser().Alive(), "the holder keeps its page")
	assert.Equal(t, 1, launcher.count())

	m.Release(held, FaultNone)
	assert.False(t, held.Browser().Alive())
	assert.Equal(t, Reconnecting, m.State())

	s, err := m.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Generation())
	assert.False(t, m.ResetPending())
	m.Release(s, FaultNone)
	assert.Equal(t, Ready, m.State())
}

func TestManager_Close(t *testing.T) {
	m := NewManager(testConfig(), &fakeLauncher{}, logger.Discard())

	s, err := m.Acquire(context.Background())
	require.NoError(t, err)
	m.Release(s, FaultNone)

	require.NoError(t, m.Close())
	assert.Equal(t, Closed, m.State())

	_, err = m.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
