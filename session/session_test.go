package session

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

type fakeConn struct {
	mu        sync.Mutex
	healthy   bool
	roundTrip func(req *http.Request) (*http.Response, error)
	pings     atomic.Int64
	closed    bool
	shutdowns int
}

func newFakeConn(rt func(req *http.Request) (*http.Response, error)) *fakeConn {
	return &fakeConn{healthy: true, roundTrip: rt}
}

func (c *fakeConn) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.roundTrip(req)
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.pings.Add(1)
	return nil
}

func (c *fakeConn) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdowns++
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

func (c *fakeConn) setHealthy(v bool) {
	c.mu.Lock()
	c.healthy = v
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) shutdownCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdowns
}

type pipeDialer struct {
	dials atomic.Int64
	err   error
}

func (d *pipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.dials.Add(1)
	client, _ := net.Pipe()
	return client, nil
}

func okResponse(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

// scriptedManager builds a Manager whose factory hands out the given
// connections in order.
func scriptedManager(t *testing.T, dialer Dialer, conns ...WireConn) (*Manager, *atomic.Int64) {
	t.Helper()
	var factoryCalls atomic.Int64
	mgr := NewManager(Config{
		Push:   EndpointConfig{Endpoint: Endpoint{Host: "push.test", Port: 443}},
		Manage: EndpointConfig{Endpoint: Endpoint{Host: "manage.test", Port: 2196}},
		Dialer: dialer,
		NewConn: func(ctx context.Context, raw net.Conn) (WireConn, error) {
			n := factoryCalls.Add(1)
			if int(n) > len(conns) {
				return nil, errors.New("factory called more times than scripted")
			}
			return conns[n-1], nil
		},
		Logger: zerolog.Nop(),
	})
	return mgr, &factoryCalls
}

func testRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://push.test/3/device/abc", nil)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestRoundTripEstablishesSession(t *testing.T) {
	dialer := &pipeDialer{}
	conn := newFakeConn(okResponse)
	mgr, factoryCalls := scriptedManager(t, dialer, conn)

	resp, err := mgr.RoundTrip(context.Background(), Push, testRequest(t))
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unexpected status %d", resp.StatusCode)
	}
	if got := mgr.State(Push); got != Open {
		t.Errorf("expected push session open, got %v", got)
	}
	if got := mgr.State(Manage); got != Idle {
		t.Errorf("manage session must stay idle, got %v", got)
	}
	if got := factoryCalls.Load(); got != 1 {
		t.Errorf("expected 1 connect, got %d", got)
	}
}

func TestAcquireCoalescesConcurrentConnects(t *testing.T) {
	gate := make(chan struct{})
	var factoryCalls atomic.Int64
	conn := newFakeConn(okResponse)
	mgr := NewManager(Config{
		Push:   EndpointConfig{Endpoint: Endpoint{Host: "push.test", Port: 443}},
		Manage: EndpointConfig{Endpoint: Endpoint{Host: "manage.test", Port: 2196}},
		Dialer: &pipeDialer{},
		NewConn: func(ctx context.Context, raw net.Conn) (WireConn, error) {
			factoryCalls.Add(1)
			<-gate
			return conn, nil
		},
		Logger: zerolog.Nop(),
	})

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.RoundTrip(context.Background(), Push, testRequest(t))
			errs <- err
		}()
	}
	// Let every caller reach the shared connect attempt, then release it.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("RoundTrip failed: %v", err)
		}
	}
	if got := factoryCalls.Load(); got != 1 {
		t.Errorf("expected concurrent first users to share one connect, got %d", got)
	}
}

func TestRoundTripReconnectsAfterGoAway(t *testing.T) {
	goAway := newFakeConn(func(req *http.Request) (*http.Response, error) {
		return nil, http2.GoAwayError{LastStreamID: 3, ErrCode: http2.ErrCodeNo}
	})
	replacement := newFakeConn(okResponse)
	mgr, factoryCalls := scriptedManager(t, &pipeDialer{}, goAway, replacement)

	if _, err := mgr.RoundTrip(context.Background(), Push, testRequest(t)); err == nil {
		t.Fatalf("expected the goaway error to surface")
	}
	if got := mgr.State(Push); got != Destroyed {
		t.Errorf("expected session destroyed after goaway, got %v", got)
	}

	resp, err := mgr.RoundTrip(context.Background(), Push, testRequest(t))
	if err != nil {
		t.Fatalf("RoundTrip after goaway failed: %v", err)
	}
	resp.Body.Close()
	if got := factoryCalls.Load(); got != 2 {
		t.Errorf("expected a reconnect, got %d connects", got)
	}
	if !goAway.isClosed() {
		t.Errorf("the dead connection must be closed")
	}
}

func TestStreamErrorKeepsSession(t *testing.T) {
	conn := newFakeConn(func(req *http.Request) (*http.Response, error) {
		return nil, http2.StreamError{StreamID: 5, Code: http2.ErrCodeCancel}
	})
	mgr, factoryCalls := scriptedManager(t, &pipeDialer{}, conn)

	if _, err := mgr.RoundTrip(context.Background(), Push, testRequest(t)); err == nil {
		t.Fatalf("expected the stream error to surface")
	}
	if got := mgr.State(Push); got != Open {
		t.Errorf("a stream-level error must not destroy the session, got %v", got)
	}
	if got := factoryCalls.Load(); got != 1 {
		t.Errorf("unexpected reconnect: %d connects", got)
	}
}

func TestUnhealthyConnectionReconnects(t *testing.T) {
	first := newFakeConn(okResponse)
	second := newFakeConn(okResponse)
	mgr, factoryCalls := scriptedManager(t, &pipeDialer{}, first, second)

	if _, err := mgr.RoundTrip(context.Background(), Push, testRequest(t)); err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	first.setHealthy(false)

	if _, err := mgr.RoundTrip(context.Background(), Push, testRequest(t)); err != nil {
		t.Fatalf("RoundTrip after transport death failed: %v", err)
	}
	if got := factoryCalls.Load(); got != 2 {
		t.Errorf("expected a reconnect, got %d connects", got)
	}
}

func TestInvalidateForcesReconnect(t *testing.T) {
	first := newFakeConn(okResponse)
	second := newFakeConn(okResponse)
	mgr, factoryCalls := scriptedManager(t, &pipeDialer{}, first, second)

	if _, err := mgr.RoundTrip(context.Background(), Push, testRequest(t)); err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	mgr.Invalidate(Push)
	if got := mgr.State(Push); got != Destroyed {
		t.Errorf("expected destroyed state, got %v", got)
	}
	if !first.isClosed() {
		t.Errorf("invalidate must close the connection")
	}

	if _, err := mgr.RoundTrip(context.Background(), Push, testRequest(t)); err != nil {
		t.Fatalf("RoundTrip after invalidate failed: %v", err)
	}
	if got := factoryCalls.Load(); got != 2 {
		t.Errorf("expected a reconnect, got %d connects", got)
	}
}

func TestConnectFailureIsConnectError(t *testing.T) {
	dialErr := errors.New("connection refused")
	mgr := NewManager(Config{
		Push:   EndpointConfig{Endpoint: Endpoint{Host: "push.test", Port: 443}},
		Manage: EndpointConfig{Endpoint: Endpoint{Host: "manage.test", Port: 2196}},
		Dialer: &pipeDialer{err: dialErr},
		NewConn: func(ctx context.Context, raw net.Conn) (WireConn, error) {
			t.Fatalf("factory must not run when the dial fails")
			return nil, nil
		},
		Logger: zerolog.Nop(),
	})

	_, err := mgr.RoundTrip(context.Background(), Push, testRequest(t))
	var connectErr *ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected a ConnectError, got %v", err)
	}
	if !errors.Is(err, dialErr) {
		t.Errorf("the dial cause must be preserved, got %v", err)
	}
	if got := mgr.State(Push); got != Idle {
		t.Errorf("a failed connect returns the session to idle, got %v", got)
	}
}

func TestHeartbeatPings(t *testing.T) {
	conn := newFakeConn(okResponse)
	var factoryCalls atomic.Int64
	mgr := NewManager(Config{
		Push:      EndpointConfig{Endpoint: Endpoint{Host: "push.test", Port: 443}},
		Manage:    EndpointConfig{Endpoint: Endpoint{Host: "manage.test", Port: 2196}},
		HeartBeat: 10 * time.Millisecond,
		Dialer:    &pipeDialer{},
		NewConn: func(ctx context.Context, raw net.Conn) (WireConn, error) {
			factoryCalls.Add(1)
			return conn, nil
		},
		Logger: zerolog.Nop(),
	})

	if _, err := mgr.RoundTrip(context.Background(), Push, testRequest(t)); err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for conn.pings.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := conn.pings.Load(); got < 2 {
		t.Errorf("expected periodic pings, got %d", got)
	}
	mgr.Shutdown(nil)
}

func TestShutdownIsIdempotent(t *testing.T) {
	conn := newFakeConn(okResponse)
	mgr, _ := scriptedManager(t, &pipeDialer{}, conn)

	if _, err := mgr.RoundTrip(context.Background(), Push, testRequest(t)); err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}

	var callbacks atomic.Int64
	mgr.Shutdown(func() { callbacks.Add(1) })
	mgr.Shutdown(func() { callbacks.Add(1) })

	if got := callbacks.Load(); got != 1 {
		t.Errorf("the completion callback must fire exactly once, got %d", got)
	}
	if mgr.Alive() {
		t.Errorf("a shut down manager must not be alive")
	}
	if conn.shutdownCount() == 0 || !conn.isClosed() {
		t.Errorf("shutdown must drain and close the connection")
	}
	if got := mgr.State(Push); got != Closed {
		t.Errorf("expected closed state, got %v", got)
	}

	if _, err := mgr.RoundTrip(context.Background(), Push, testRequest(t)); !errors.Is(err, ErrClosed) {
		t.Errorf("requests after shutdown must fail with ErrClosed, got %v", err)
	}
}
