// Package remote keeps one authenticated connection per host and runs many
// commands over it, closing it on every exit path.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanwahyu/automaton-hardening/internal/domain/scanerrors"
	"github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
	"github.com/bryanwahyu/automaton-hardening/internal/metrics"
)

// Result of one remote command
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Conn is an authenticated transport to one host. Exec opens a fresh
// channel on the existing connection for every command.
type Conn interface {
	Exec(ctx context.Context, command string) (Result, error)
	Close() error
}

// Dialer negotiates transport and authentication once per host.
type Dialer interface {
	Dial(ctx context.Context, host scans.HostTarget) (Conn, error)
}

type Manager struct {
	dialer         Dialer
	dialTimeout    time.Duration
	commandTimeout time.Duration
	metrics        *metrics.Metrics
	log            zerolog.Logger
}

func NewManager(d Dialer, dialTimeout, commandTimeout time.Duration, m *metrics.Metrics, log zerolog.Logger) *Manager {
	if m == nil {
		m = metrics.Discard()
	}
	return &Manager{
		dialer:         d,
		dialTimeout:    dialTimeout,
		commandTimeout: commandTimeout,
		metrics:        m,
		log:            log,
	}
}

// Address host:port used to reach a host.
func Address(h scans.HostTarget) string {
	port := h.SSHPort
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(h.Address, strconv.Itoa(port))
}

// Open connects to host within the dial timeout. Any failure is a ConnectionError.
func (m *Manager) Open(ctx context.Context, host scans.HostTarget) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(dialCtx, host)
	if err != nil {
		m.metrics.SessionErrors.Inc()
		return nil, &scanerrors.ConnectionError{Host: Address(host), Err: err}
	}
	m.metrics.SessionsOpened.Inc()
	m.log.Debug().Int64("host_id", host.ID).Str("addr", Address(host)).Msg("session opened")

	return &Session{
		HostID:   host.ID,
		OpenedAt: time.Now(),
		conn:     conn,
		timeout:  m.commandTimeout,
		manager:  m,
	}, nil
}

// WithSession opens a session, hands it to fn, and always closes it,
// including when fn panics.
func (m *Manager) WithSession(ctx context.Context, host scans.HostTarget, fn func(*Session) error) (err error) {
	s, err := m.Open(ctx, host)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			m.log.Warn().Err(cerr).Int64("host_id", host.ID).Msg("session close failed")
		}
	}()
	return fn(s)
}

// Session is owned by a single worker goroutine; Run calls are serialized.
type Session struct {
	HostID   int64
	OpenedAt time.Time

	mu      sync.Mutex
	conn    Conn
	closed  bool
	timeout time.Duration
	manager *Manager
}

var ErrSessionClosed = errors.New("session closed")

// Run executes command with the per-command deadline. A command that runs
// past it is reported as ExecutionTimeout.
func (s *Session) Run(ctx context.Context, command string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Result{}, ErrSessionClosed
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.conn.Exec(runCtx, command)
	res.Duration = time.Since(start)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return res, &scanerrors.ExecutionTimeout{Command: command, Timeout: s.timeout}
		}
		return res, fmt.Errorf("exec %q: %w", command, err)
	}
	return res, nil
}

// Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.manager.metrics.SessionDuration.Observe(time.Since(s.OpenedAt).Seconds())
	s.manager.log.Debug().Int64("host_id", s.HostID).Msg("session closed")
	return s.conn.Close()
}
