package apns

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushgate/apns/session"
	"github.com/pushgate/apns/token"
)

// Pseudo statuses for requests that died without a server response.
const (
	statusTimeout = "(timeout)"
	statusAborted = "(aborted)"
	statusError   = "(error)"
)

// errUnknown is the caller-visible error for timed out, aborted, or
// otherwise transport-failed streams.
var errUnknown = errors.New("Timeout, aborted, or other unknown error")

var emptyBody = []byte("{}")

// requestType selects the path template and the label field of the
// outcome.
type requestType string

const (
	typeDevice      requestType = "device"
	typeChannels    requestType = "channels"
	typeAllChannels requestType = "allChannels"
	typeBroadcasts  requestType = "broadcasts"
)

func (t requestType) path(sub string) (string, error) {
	switch t {
	case typeDevice:
		return "/3/device/" + sub, nil
	case typeChannels:
		return "/1/apps/" + sub + "/channels", nil
	case typeAllChannels:
		return "/1/apps/" + sub + "/all-channels", nil
	case typeBroadcasts:
		return "/4/broadcasts/apps/" + sub, nil
	}
	return "", fmt.Errorf("no path template for request type %q", string(t))
}

// kindForPath routes channel management requests to the manage session and
// everything else to the push session.
func kindForPath(path string) session.Kind {
	if strings.HasPrefix(path, "/1/apps/") {
		return session.Manage
	}
	return session.Push
}

func allowedMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodGet, http.MethodDelete:
		return true
	}
	return false
}

// job is one request of a batch: a recipient, the wire artifacts, and the
// routing decisions made by the dispatcher.
type job struct {
	typ    requestType
	method string
	path   string
	kind   session.Kind
	built  built

	device   string
	bundleID string
	// channelID is the channel addressed by a broadcast, echoed into the
	// outcome when the response carries no apns-channel-id of its own.
	channelID string
}

func (j job) label(f *Failure) {
	f.Device = j.device
	f.BundleID = j.bundleID
	if f.ChannelID == "" {
		f.ChannelID = j.channelID
	}
}

// fail builds a labeled internal failure with no server response.
func (j job) fail(err error) *failure {
	f := &failure{}
	f.Err = err
	j.label(&f.Failure)
	return f
}

// sessionTransport is the seam between the dispatcher and the session
// layer; *session.Manager implements it.
type sessionTransport interface {
	RoundTrip(ctx context.Context, kind session.Kind, req *http.Request) (*http.Response, error)
	Invalidate(kind session.Kind)
	Alive() bool
	Shutdown(done func())
	SetLogger(log zerolog.Logger)
}

// requester issues a single request on the shared sessions and classifies
// the outcome.
type requester struct {
	sessions    sessionTransport
	tokens      *token.Source
	authorities map[session.Kind]string
	timeout     time.Duration
}

// do runs one request under the per-request timeout. Exactly one of the
// results is non-nil.
func (r *requester) do(ctx context.Context, j job) (*Success, *failure) {
	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, observedGen, err := r.newRequest(reqCtx, j)
	if err != nil {
		return nil, j.fail(err)
	}
	resp, err := r.sessions.RoundTrip(reqCtx, j.kind, req)
	if err != nil {
		return nil, r.classifyTransportError(ctx, j, err)
	}
	defer resp.Body.Close()
	return r.classifyResponse(j, resp, observedGen)
}

func (r *requester) newRequest(ctx context.Context, j job) (*http.Request, uint64, error) {
	u := &url.URL{Scheme: "https", Host: r.authorities[j.kind], Path: j.path}
	var body io.Reader
	// The empty object is elided from the wire; channel reads depend on
	// requests without a DATA frame.
	if len(j.built.body) > 0 && !bytes.Equal(j.built.body, emptyBody) {
		body = bytes.NewReader(j.built.body)
	}
	req, err := http.NewRequestWithContext(ctx, j.method, u.String(), body)
	if err != nil {
		return nil, 0, err
	}
	for k, v := range j.built.headers {
		req.Header.Set(k, v)
	}

	var observedGen uint64
	if r.tokens != nil {
		_, observedGen = r.tokens.Current()
		if r.tokens.IsExpired(token.RefreshThreshold) {
			if err := r.tokens.Regenerate(observedGen); err != nil {
				return nil, 0, err
			}
		}
		var bearer string
		bearer, observedGen = r.tokens.Current()
		req.Header.Set("authorization", "bearer "+bearer)
	}
	return req, observedGen, nil
}

// classifyTransportError maps request errors onto the pseudo statuses.
// Establishment failures and shutdown carry no status at all.
func (r *requester) classifyTransportError(parent context.Context, j job, err error) *failure {
	if errors.Is(err, session.ErrClosed) {
		return j.fail(session.ErrClosed)
	}
	var connectErr *session.ConnectError
	if errors.As(err, &connectErr) {
		return j.fail(err)
	}

	f := j.fail(errUnknown)
	switch {
	case errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
		f.Status = statusTimeout
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		f.Status = statusAborted
	default:
		f.Status = statusError
	}
	return f
}

func (r *requester) classifyResponse(j job, resp *http.Response, observedGen uint64) (*Success, *failure) {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, j.fail(fmt.Errorf("Unexpected error processing APNs response: %w", err))
	}

	status := strconv.Itoa(resp.StatusCode)
	uniqueID := resp.Header.Get("apns-unique-id")
	requestID := resp.Header.Get("apns-request-id")
	channelID := resp.Header.Get("apns-channel-id")

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		s := &Success{
			Device:    j.device,
			BundleID:  j.bundleID,
			UniqueID:  uniqueID,
			RequestID: requestID,
			ChannelID: channelID,
		}
		if s.ChannelID == "" {
			s.ChannelID = j.channelID
		}
		if len(bytes.TrimSpace(bodyBytes)) > 0 {
			var parsed map[string]any
			if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
				return nil, j.fail(fmt.Errorf("Unexpected error processing APNs response: %w", err))
			}
			s.Body = parsed
		}
		return s, nil
	}

	f := &failure{retryAfter: resp.Header.Get("Retry-After")}
	f.Status = status
	f.UniqueID = uniqueID
	f.RequestID = requestID
	f.ChannelID = channelID
	j.label(&f.Failure)

	if len(bytes.TrimSpace(bodyBytes)) == 0 {
		f.Err = fmt.Errorf("stream ended unexpectedly with status %s and empty body", status)
		return nil, f
	}

	var parsed map[string]any
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		return nil, j.fail(fmt.Errorf("Unexpected error processing APNs response: %w", err))
	}
	reason, _ := parsed["reason"].(string)
	switch {
	case resp.StatusCode == http.StatusForbidden && reason == reasonExpiredProviderToken:
		// Every request that saw this token will fail the same way; the
		// generation observed at send time coalesces the refresh.
		if r.tokens != nil {
			r.tokens.Regenerate(observedGen)
		}
		f.Err = errors.New(reasonExpiredProviderToken)
	case resp.StatusCode == http.StatusInternalServerError && reason == "InternalServerError":
		f.Err = errors.New("Error 500, stream ended unexpectedly")
	default:
		f.Response = parsed
	}
	return nil, f
}

const reasonExpiredProviderToken = "ExpiredProviderToken"

// errInvalidRequest describes a request the dispatcher refused to issue.
func errInvalidRequest(j job) error {
	if !allowedMethod(j.method) {
		return fmt.Errorf("invalid request method %q", j.method)
	}
	return fmt.Errorf("no path template for request type %q", string(j.typ))
}
