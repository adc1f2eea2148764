// Package session owns the single live browser session used for pages that
// need rendering, and its reconnect lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Simerblur/online-data-mining/internal/config"
	"github.com/Simerblur/online-data-mining/pkg/logger"
)

var (
	// ErrPermanentlyFailed is returned once reconnecting exhausted its bound.
	ErrPermanentlyFailed = errors.New("session permanently failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session manager closed")
	// ErrDisconnected is returned by browsers whose connection dropped.
	ErrDisconnected = errors.New("browser disconnected")
	// ErrTimeout is returned when a navigation exceeds its timeout.
	ErrTimeout = errors.New("navigation timed out")
)

// State is a session lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
	Busy
	Reconnecting
	PermanentlyFailed
	Closed
)

var stateNames = [...]string{"disconnected", "connecting", "ready", "busy", "reconnecting", "permanently_failed", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Fault is the reason a caller gives when releasing a session it believes
// is unusable.
type Fault int

const (
	FaultNone Fault = iota
	FaultDisconnect
	FaultChallenge
	FaultTimeout
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultDisconnect:
		return "disconnect"
	case FaultChallenge:
		return "challenge"
	case FaultTimeout:
		return "timeout"
	}
	return fmt.Sprintf("fault(%d)", int(f))
}

// Browser is one rendering session.
type Browser interface {
	// Navigate loads url and waits for the document body. It returns the
	// HTTP status of the main response, or 0 when unknown.
	Navigate(ctx context.Context, url string) (int, error)
	Evaluate(ctx context.Context, expression string, res any) error
	OuterHTML(ctx context.Context) (string, error)
	Alive() bool
	Close() error
}

// Launcher opens browsers.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Config bounds reconnects.
type Config struct {
	MaxReconnects int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// ConfigFrom builds a Config from the session section of the app config.
func ConfigFrom(c config.SessionConfig) Config {
	return Config{
		MaxReconnects: c.MaxReconnects,
		BaseDelay:     c.ReconnectBaseDelay,
		MaxDelay:      c.ReconnectMaxDelay,
	}
}

// Session is a handle on the live browser, valid until released.
type Session struct {
	browser    Browser
	generation uint64
	released   atomic.Bool
}

// Browser returns the underlying browser.
func (s *Session) Browser() Browser { return s.browser }

// Generation identifies which browser instance this handle refers to. It
// changes on every reconnect.
func (s *Session) Generation() uint64 { return s.generation }

// Manager hands out the single live session. At most one caller holds it at
// a time; other callers block in Acquire.
type Manager struct {
	cfg      Config
	launcher Launcher
	log      *logger.Logger

	slot chan struct{}

	mu         sync.Mutex
	state      State
	browser    Browser
	generation uint64
	reconnects int
	// resetPending replaces the browser when the current holder releases it.
	resetPending bool
}

// NewManager creates a manager in the Disconnected state. No browser is
// launched until the first Acquire.
func NewManager(cfg Config, launcher Launcher, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		cfg:      cfg,
		launcher: launcher,
		log:      log.WithComponent("session"),
		slot:     make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reconnects returns how many times the browser was replaced.
func (m *Manager) Reconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnects
}

// Acquire returns the live session, opening or reopening the browser when
// needed. It blocks while another caller holds the session.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	select {
	case m.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s, err := m.acquireLocked(ctx)
	if err != nil {
		<-m.slot
		return nil, err
	}
	return s, nil
}

func (m *Manager) acquireLocked(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	state := m.state
	if state == Ready && (m.browser == nil || !m.browser.Alive()) {
		state = Reconnecting
		m.state = Reconnecting
	}
	m.mu.Unlock()

	switch state {
	case PermanentlyFailed:
		return nil, ErrPermanentlyFailed
	case Closed:
		return nil, ErrClosed
	case Disconnected, Reconnecting:
		if err := m.connect(ctx, state); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Busy
	return &Session{browser: m.browser, generation: m.generation}, nil
}

// Release returns the session. Any fault moves the manager to Reconnecting;
// the browser is replaced on the next Acquire.
func (m *Manager) Release(s *Session, hint Fault) {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	defer func() { <-m.slot }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Busy || s.generation != m.generation {
		return
	}
	if hint == FaultNone && !m.resetPending {
		m.state = Ready
		return
	}

	if hint == FaultNone {
		hint = FaultChallenge
	}
	m.log.Warn("session faulted", "fault", hint.String(), "generation", m.generation)
	m.resetPending = false
	m.closeBrowserLocked()
	m.state = Reconnecting
}

// Reset replaces the browser so the retry runs on a fresh identity. It is
// used after an anti-bot challenge on a rendered page. When another caller
// holds the session, Reset does not wait: the browser is replaced as soon as
// the holder releases it, and the holder keeps its page until then.
func (m *Manager) Reset(ctx context.Context) error {
	select {
	case m.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.deferReset()
	}
	defer func() { <-m.slot }()

	m.mu.Lock()
	state := m.state
	switch state {
	case PermanentlyFailed:
		m.mu.Unlock()
		return ErrPermanentlyFailed
	case Closed:
		m.mu.Unlock()
		return ErrClosed
	case Ready:
		m.closeBrowserLocked()
		m.state = Reconnecting
		state = Reconnecting
	}
	m.mu.Unlock()

	return m.connect(ctx, state)
}

func (m *Manager) deferReset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case PermanentlyFailed:
		return ErrPermanentlyFailed
	case Closed:
		return ErrClosed
	}
	m.resetPending = true
	m.log.Info("session busy, reset deferred until release", "generation", m.generation)
	return nil
}

// ResetPending reports whether a deferred reset is waiting for the holder.
func (m *Manager) ResetPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetPending
}

// connect launches a browser with exponential backoff. Exhausting
// MaxReconnects moves the manager to PermanentlyFailed.
func (m *Manager) connect(ctx context.Context, from State) error {
	m.mu.Lock()
	if from == Disconnected {
		m.state = Connecting
	} else {
		m.state = Reconnecting
	}
	m.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BaseDelay
	b.MaxInterval = m.cfg.MaxDelay
	b.MaxElapsedTime = 0

	var browser Browser
	attempt := 0
	op := func() error {
		attempt++
		br, err := m.launcher.Launch(ctx)
		if err != nil {
			return err
		}
		browser = br
		return nil
	}
	notify := func(err error, next time.Duration) {
		m.log.WithError(err).Warn("browser launch failed", "attempt", attempt, "next_in", next)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(0, m.cfg.MaxReconnects))), ctx), notify)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Closed {
		if browser != nil {
			_ = browser.Close()
		}
		return ErrClosed
	}

	if err != nil {
		if ctx.Err() != nil {
			m.state = from
			return ctx.Err()
		}
		m.state = PermanentlyFailed
		m.log.WithError(err).Error("session permanently failed", "attempts", attempt)
		return fmt.Errorf("%w: %v", ErrPermanentlyFailed, err)
	}

	if from != Disconnected {
		m.reconnects++
	}
	m.browser = browser
	m.generation++
	m.resetPending = false
	m.state = Ready
	m.log.Info("browser session ready", "generation", m.generation, "attempts", attempt)
	return nil
}

func (m *Manager) closeBrowserLocked() {
	if m.browser == nil {
		return
	}
	if err := m.browser.Close(); err != nil {
		m.log.WithError(err).Debug("closing browser")
	}
	m.browser = nil
}

// Close shuts the browser down. Later Acquire calls fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeBrowserLocked()
	m.state = Closed
	return nil
}
