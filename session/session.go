// Package session owns the long-lived HTTP/2 connections to APNs: one for
// device-addressed delivery and one for channel management. Sessions are
// established lazily, reconnect after connection-level failures, and keep
// themselves warm with periodic PING frames.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

// ErrClosed is returned for requests issued after the manager shut down.
var ErrClosed = errors.New("client session is either closed or destroyed")

// Kind selects one of the two sessions a Manager owns.
type Kind string

const (
	// Push is the session to api.push.apple.com used for device delivery
	// and broadcasts.
	Push Kind = "push"
	// Manage is the session to api-manage-broadcast.push.apple.com used
	// for channel management.
	Manage Kind = "manage"
)

// State tracks a session through its lifecycle. Only Open sessions accept
// requests; Closed and Destroyed sessions reconnect on the next request.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Closed
	Destroyed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Destroyed:
		return "destroyed"
	}
	return "unknown"
}

// Endpoint is a host and port pair.
type Endpoint struct {
	Host string
	Port int
}

// Addr returns the endpoint in host:port form.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, itoa(e.Port))
}

func itoa(n int) string {
	// small positive ports only
	if n == 0 {
		return "0"
	}
	var b [8]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

// ConnectError marks a failure to establish a session, as opposed to a
// failure on an already-open stream.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

type sessionConfig struct {
	kind      Kind
	endpoint  Endpoint
	proxy     *Endpoint
	heartBeat time.Duration
	dialer    Dialer
	newConn   ConnFactory
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

type session struct {
	cfg sessionConfig

	logMu sync.Mutex
	log   zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     WireConn
	pending  *connectAttempt
	pingStop chan struct{}
	down     bool
}

// acquire returns an open connection, establishing one if needed.
// Concurrent callers during establishment share a single attempt.
func (s *session) acquire(ctx context.Context) (WireConn, error) {
	for {
		s.mu.Lock()
		if s.down {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if s.state == Open && s.conn != nil {
			if s.conn.Healthy() {
				conn := s.conn
				s.mu.Unlock()
				return conn, nil
			}
			// The transport died underneath us without a request observing
			// it; tear down and reconnect.
			s.teardownLocked(Closed)
		}
		if s.pending != nil {
			attempt := s.pending
			s.mu.Unlock()
			select {
			case <-attempt.done:
			case <-ctx.Done():
				return nil, &ConnectError{Err: ctx.Err()}
			}
			if attempt.err != nil {
				return nil, &ConnectError{Err: attempt.err}
			}
			continue
		}

		attempt := &connectAttempt{done: make(chan struct{})}
		s.pending = attempt
		s.state = Connecting
		s.mu.Unlock()

		conn, err := s.connect(ctx)

		s.mu.Lock()
		s.pending = nil
		if err != nil {
			s.state = Idle
			s.mu.Unlock()
			attempt.err = err
			close(attempt.done)
			s.logger().Error().Err(err).Msg("session connect failed")
			return nil, &ConnectError{Err: err}
		}
		if s.down {
			s.mu.Unlock()
			attempt.err = ErrClosed
			close(attempt.done)
			conn.Close()
			return nil, ErrClosed
		}
		s.conn = conn
		s.state = Open
		s.startPingLocked(conn)
		s.mu.Unlock()
		close(attempt.done)
		s.logger().Info().Str("session", string(s.cfg.kind)).Str("addr", s.cfg.endpoint.Addr()).Msg("session established")
	}
}

func (s *session) connect(ctx context.Context) (WireConn, error) {
	var raw net.Conn
	var err error
	if s.cfg.proxy != nil {
		raw, err = dialProxy(ctx, s.cfg.dialer, *s.cfg.proxy, s.cfg.endpoint)
	} else {
		raw, err = s.cfg.dialer.DialContext(ctx, "tcp", s.cfg.endpoint.Addr())
	}
	if err != nil {
		return nil, err
	}
	conn, err := s.cfg.newConn(ctx, raw)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}

// startPingLocked launches the heartbeat goroutine for conn. Held lock
// required.
func (s *session) startPingLocked(conn WireConn) {
	if s.cfg.heartBeat <= 0 {
		return
	}
	stop := make(chan struct{})
	s.pingStop = stop
	go s.pingLoop(conn, stop)
}

func (s *session) pingLoop(conn WireConn, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.heartBeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.heartBeat)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				// A failed PING is logged only; the transport itself
				// reports the death of the connection.
				s.logger().Warn().Str("session", string(s.cfg.kind)).Err(err).Msg("ping failed")
				continue
			}
			s.logger().Debug().Str("session", string(s.cfg.kind)).Dur("rtt", time.Since(start)).Msg("ping")
		case <-stop:
			return
		}
	}
}

// observeError inspects a request error and tears the session down when it
// is connection-level. Stream-level and context errors leave the session
// alone.
func (s *session) observeError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	var goAway http2.GoAwayError
	if errors.As(err, &goAway) {
		s.logger().Warn().
			Str("session", string(s.cfg.kind)).
			Uint32("last_stream_id", goAway.LastStreamID).
			Str("code", goAway.ErrCode.String()).
			Str("debug", goAway.DebugData).
			Msg("received goaway")
		s.invalidate("goaway", err)
		return
	}
	var streamErr http2.StreamError
	if errors.As(err, &streamErr) {
		// Stream-level failure; the connection is still usable.
		return
	}
	if connFatal(err) {
		s.invalidate("transport error", err)
	}
}

func connFatal(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connErr http2.ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	// http2 keeps some connection-death errors unexported.
	msg := err.Error()
	return strings.Contains(msg, "client conn") || strings.Contains(msg, "connection error") ||
		strings.Contains(msg, "use of closed network connection")
}

// invalidate closes and destroys the current connection so the next
// request reconnects.
func (s *session) invalidate(reason string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	s.logger().Warn().Str("session", string(s.cfg.kind)).Str("reason", reason).Err(err).Msg("session destroyed")
	s.teardownLocked(Destroyed)
}

func (s *session) teardownLocked(next State) {
	if s.pingStop != nil {
		close(s.pingStop)
		s.pingStop = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.state = next
}

// shutdown gracefully drains and closes the session. Further acquires fail
// with ErrClosed.
func (s *session) shutdown(ctx context.Context) {
	s.mu.Lock()
	s.down = true
	conn := s.conn
	s.conn = nil
	if s.pingStop != nil {
		close(s.pingStop)
		s.pingStop = nil
	}
	if conn != nil {
		s.state = Closing
	}
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Shutdown(ctx); err != nil {
			s.logger().Debug().Str("session", string(s.cfg.kind)).Err(err).Msg("graceful shutdown failed")
		}
		conn.Close()
	}

	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
	s.logger().Info().Str("session", string(s.cfg.kind)).Msg("session closed")
}

func (s *session) setLogger(log zerolog.Logger) {
	s.logMu.Lock()
	s.log = log
	s.logMu.Unlock()
}

func (s *session) logger() zerolog.Logger {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return s.log
}

// currentState reports the session state for observability and tests.
func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
