package session

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

// WireConn is a multiplexed HTTP/2 connection to an APNs endpoint. The
// production implementation wraps an *http2.ClientConn; tests substitute
// scripted connections through ConnFactory.
type WireConn interface {
	RoundTrip(req *http.Request) (*http.Response, error)
	Ping(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Close() error
	Healthy() bool
}

// ConnFactory turns a freshly dialed transport stream into a WireConn.
// The factory owns the TLS upgrade; proxied and direct streams are treated
// the same way.
type ConnFactory func(ctx context.Context, raw net.Conn) (WireConn, error)

// Dialer establishes raw TCP streams. It matches net.Dialer so the default
// needs no adapter.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type h2Conn struct {
	cc *http2.ClientConn
}

func (c *h2Conn) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.cc.RoundTrip(req)
}

func (c *h2Conn) Ping(ctx context.Context) error {
	return c.cc.Ping(ctx)
}

func (c *h2Conn) Shutdown(ctx context.Context) error {
	return c.cc.Shutdown(ctx)
}

func (c *h2Conn) Close() error {
	return c.cc.Close()
}

func (c *h2Conn) Healthy() bool {
	st := c.cc.State()
	return !st.Closed && !st.Closing
}

// NewH2ConnFactory returns the production ConnFactory: it negotiates TLS
// with ALPN h2 over the raw stream and opens an HTTP/2 client connection
// on the result.
func NewH2ConnFactory(tlsConfig *tls.Config) ConnFactory {
	transport := &http2.Transport{TLSClientConfig: tlsConfig}
	return func(ctx context.Context, raw net.Conn) (WireConn, error) {
		tlsConn := tls.Client(raw, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			tlsConn.Close()
			return nil, errors.Wrap(err, "tls handshake failed")
		}
		if proto := tlsConn.ConnectionState().NegotiatedProtocol; proto != "h2" {
			tlsConn.Close()
			return nil, errors.Errorf("server did not negotiate h2, got %q", proto)
		}
		cc, err := transport.NewClientConn(tlsConn)
		if err != nil {
			tlsConn.Close()
			return nil, errors.Wrap(err, "failed to open http2 connection")
		}
		return &h2Conn{cc: cc}, nil
	}
}
