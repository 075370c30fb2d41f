package session

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// dialProxy opens an HTTP CONNECT tunnel to target through proxy and
// returns the raw stream, ready for a TLS upgrade by the caller.
func dialProxy(ctx context.Context, d Dialer, proxy, target Endpoint) (net.Conn, error) {
	conn, err := d.DialContext(ctx, "tcp", proxy.Addr())
	if err != nil {
		return nil, errors.Wrap(err, "cannot connect to proxy server")
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	connect := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nConnection: Keep-Alive\r\n\r\n",
		target.Addr(), target.Addr())
	if _, err := conn.Write([]byte(connect)); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "cannot connect to proxy server")
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "cannot connect to proxy server")
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, errors.Errorf("cannot connect to proxy server: unexpected status %s", resp.Status)
	}
	if br.Buffered() > 0 {
		// The proxy pushed bytes past its response; keep them ahead of the
		// TLS handshake.
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
