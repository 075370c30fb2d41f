package session

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const shutdownGrace = 5 * time.Second

// EndpointConfig describes one session: where it connects and through
// which proxy, if any.
type EndpointConfig struct {
	Endpoint Endpoint
	Proxy    *Endpoint
}

// Config configures a Manager.
type Config struct {
	Push   EndpointConfig
	Manage EndpointConfig

	// TLS is the base TLS configuration; the manager clones it per session
	// with the endpoint host as SNI and h2 as ALPN.
	TLS *tls.Config

	// HeartBeat is the PING interval for open sessions. Zero disables the
	// heartbeat.
	HeartBeat time.Duration

	// Dialer establishes raw TCP streams; defaults to a net.Dialer.
	Dialer Dialer

	// NewConn overrides the TLS+HTTP/2 connection factory; tests use it to
	// inject scripted connections.
	NewConn ConnFactory

	Logger zerolog.Logger
}

// Manager owns the push and manage sessions, reconnecting each on demand
// and shutting both down exactly once.
type Manager struct {
	push   *session
	manage *session

	mu   sync.Mutex
	down bool
	once sync.Once
}

// NewManager builds a Manager from cfg. Sessions are not connected until
// their first request.
func NewManager(cfg Config) *Manager {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: 20 * time.Second, KeepAlive: 60 * time.Second}
	}
	return &Manager{
		push:   newSession(Push, cfg.Push, cfg, dialer),
		manage: newSession(Manage, cfg.Manage, cfg, dialer),
	}
}

func newSession(kind Kind, ep EndpointConfig, cfg Config, dialer Dialer) *session {
	factory := cfg.NewConn
	if factory == nil {
		tlsConfig := cfg.TLS
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		} else {
			tlsConfig = tlsConfig.Clone()
		}
		tlsConfig.ServerName = ep.Endpoint.Host
		tlsConfig.NextProtos = []string{"h2"}
		factory = NewH2ConnFactory(tlsConfig)
	}
	return &session{
		cfg: sessionConfig{
			kind:      kind,
			endpoint:  ep.Endpoint,
			proxy:     ep.Proxy,
			heartBeat: cfg.HeartBeat,
			dialer:    dialer,
			newConn:   factory,
		},
		log: cfg.Logger,
	}
}

func (m *Manager) session(kind Kind) *session {
	if kind == Manage {
		return m.manage
	}
	return m.push
}

// RoundTrip issues req on the session selected by kind, establishing it
// first if necessary. Connection-level failures mark the session for
// reconnection.
func (m *Manager) RoundTrip(ctx context.Context, kind Kind, req *http.Request) (*http.Response, error) {
	s := m.session(kind)
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := conn.RoundTrip(req)
	if err != nil {
		s.observeError(err)
		return nil, err
	}
	return resp, nil
}

// Invalidate closes and destroys the session selected by kind so the next
// request reconnects.
func (m *Manager) Invalidate(kind Kind) {
	m.session(kind).invalidate("invalidated", nil)
}

// Alive reports whether the manager has not been shut down.
func (m *Manager) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.down
}

// State reports the lifecycle state of the session selected by kind.
func (m *Manager) State(kind Kind) State {
	return m.session(kind).currentState()
}

// SetLogger replaces the logger on both sessions.
func (m *Manager) SetLogger(log zerolog.Logger) {
	m.push.setLogger(log)
	m.manage.setLogger(log)
}

// Shutdown closes both sessions gracefully and invokes done exactly once
// after both are down. Repeated calls are no-ops.
func (m *Manager) Shutdown(done func()) {
	m.once.Do(func() {
		m.mu.Lock()
		m.down = true
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		var wg sync.WaitGroup
		for _, s := range []*session{m.push, m.manage} {
			wg.Add(1)
			go func(s *session) {
				defer wg.Done()
				s.shutdown(ctx)
			}(s)
		}
		wg.Wait()
		if done != nil {
			done()
		}
	})
}
