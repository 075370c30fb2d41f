package apns

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pushgate/apns/session"
)

// Redeclare time functions so they can be overridden in tests.
type clock struct {
	Now   func() time.Time
	After func(d time.Duration) <-chan time.Time
}

var retryClock = clock{
	Now:   time.Now,
	After: time.After,
}

// retryableFailure reports whether the failure is worth another attempt:
// the transient status codes, plus a 403 caused by an expired provider
// token (the requester has already minted a fresh one).
func retryableFailure(f *failure) bool {
	switch f.Status {
	case "408", "429", "500", "502", "503", "504":
		return true
	case "403":
		return f.Err != nil && f.Err.Error() == reasonExpiredProviderToken
	}
	return false
}

// parseRetryAfter reads the server-requested delay in seconds. Anything
// unparsable means no delay.
func parseRetryAfter(v string) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// outcome is the settled result of one recipient.
type outcome struct {
	ok      bool
	success Success
	fail    Failure
}

// run issues the request for one recipient, applying the retry policy, and
// settles into an outcome. The server retry hint never leaves this
// function.
func (p *Provider) run(ctx context.Context, j job) outcome {
	if j.path == "" || !allowedMethod(j.method) {
		f := j.fail(errInvalidRequest(j))
		return outcome{fail: f.redact()}
	}

	attempt := 0
	for {
		s, f := p.req.do(ctx, j)
		if s != nil {
			return outcome{ok: true, success: *s}
		}
		if !retryableFailure(f) {
			return p.settle(j, f)
		}
		if !p.sessions.Alive() {
			return p.settle(j, j.fail(session.ErrClosed))
		}
		if attempt+1 > p.retryLimit {
			return p.settle(j, f)
		}
		if delay := parseRetryAfter(f.retryAfter); delay > 0 {
			select {
			case <-retryClock.After(delay):
			case <-ctx.Done():
				return p.settle(j, f)
			}
		}
		attempt++
	}
}

func (p *Provider) settle(j job, f *failure) outcome {
	// An exhausted 500 means the session itself is suspect; destroy it so
	// the next request reconnects.
	if f.Status == "500" {
		p.sessions.Invalidate(j.kind)
	}
	return outcome{fail: f.redact()}
}
