// Package apns is a provider-side client for the Apple Push Notification
// service HTTP/2 API. It keeps two long-lived multiplexed sessions open,
// one for device-addressed delivery and one for channel management, fans
// batches out concurrently, and partitions the per-recipient outcomes into
// sent and failed lists.
package apns

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pushgate/apns/session"
	"github.com/pushgate/apns/token"
)

// ChannelAction selects a channel management operation.
type ChannelAction string

const (
	ActionCreate  ChannelAction = "create"
	ActionRead    ChannelAction = "read"
	ActionReadAll ChannelAction = "readAll"
	ActionDelete  ChannelAction = "delete"
)

// Provider is a client for the APNs provider API. Batch calls settle every
// recipient regardless of individual failures; a partial failure is never
// surfaced as an error.
type Provider struct {
	sessions   sessionTransport
	req        *requester
	retryLimit int
}

// New builds a Provider from cfg. Sessions connect lazily on the first
// request.
func New(cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	resolved, err := cfg.resolve()
	if err != nil {
		return nil, err
	}

	var tokens *token.Source
	if resolved.token != nil {
		minter, err := token.NewES256Minter(resolved.token.Key, resolved.token.KeyID, resolved.token.TeamID)
		if err != nil {
			return nil, &ConfigError{Option: "token.key", Reason: err.Error()}
		}
		tokens = token.NewSource(minter)
	}

	manager := session.NewManager(session.Config{
		Push:      session.EndpointConfig{Endpoint: resolved.pushEndpoint, Proxy: resolved.pushProxy},
		Manage:    session.EndpointConfig{Endpoint: resolved.manageEndpoint, Proxy: resolved.manageProxy},
		TLS:       resolved.tls,
		HeartBeat: resolved.heartBeat,
		Logger:    zerolog.Nop(),
	})

	return newProvider(manager, tokens, resolved), nil
}

func newProvider(sessions sessionTransport, tokens *token.Source, resolved *resolvedConfig) *Provider {
	return &Provider{
		sessions: sessions,
		req: &requester{
			sessions: sessions,
			tokens:   tokens,
			authorities: map[session.Kind]string{
				session.Push:   authority(resolved.pushEndpoint),
				session.Manage: authority(resolved.manageEndpoint),
			},
			timeout: resolved.requestTimeout,
		},
		retryLimit: resolved.retryLimit,
	}
}

// authority renders the :authority header value; the default HTTPS port is
// left implicit.
func authority(e session.Endpoint) string {
	if e.Port == 443 {
		return e.Host
	}
	return e.Addr()
}

// Send delivers notification to each device token. Every token settles
// into exactly one of the result's two lists.
func (p *Provider) Send(ctx context.Context, notification Notification, deviceTokens ...string) BatchResult {
	compiled := buildNotification(notification)
	jobs := make([]job, 0, len(deviceTokens))
	for _, deviceToken := range deviceTokens {
		path, _ := typeDevice.path(deviceToken)
		jobs = append(jobs, job{
			typ:    typeDevice,
			method: http.MethodPost,
			path:   path,
			kind:   kindForPath(path),
			built:  compiled,
			device: deviceToken,
		})
	}
	return p.fanOut(ctx, jobs)
}

// ManageChannels performs a channel management action for bundleID, one
// request per notification, all labeled with bundleID. An unsupported
// action is rejected with a *Failure before any I/O; this is the only case
// where a batch call returns an error.
func (p *Provider) ManageChannels(ctx context.Context, bundleID string, action ChannelAction, notifications ...Notification) (BatchResult, error) {
	var typ requestType
	var method string
	switch action {
	case ActionCreate:
		typ, method = typeChannels, http.MethodPost
	case ActionRead:
		typ, method = typeChannels, http.MethodGet
	case ActionReadAll:
		typ, method = typeAllChannels, http.MethodGet
	case ActionDelete:
		typ, method = typeChannels, http.MethodDelete
	default:
		return BatchResult{}, &Failure{
			BundleID: bundleID,
			Err:      fmt.Errorf("the action %q is not supported", string(action)),
		}
	}

	path, err := typ.path(bundleID)
	if err != nil {
		return BatchResult{}, &Failure{BundleID: bundleID, Err: err}
	}

	jobs := make([]job, 0, len(notifications))
	for _, n := range notifications {
		if preparer, ok := n.(channelPreparer); ok {
			if action == ActionCreate {
				preparer.EnsurePushType()
			}
			preparer.StripNonChannelProperties()
		}
		jobs = append(jobs, job{
			typ:      typ,
			method:   method,
			path:     path,
			kind:     kindForPath(path),
			built:    buildNotification(n),
			bundleID: bundleID,
		})
	}
	return p.fanOut(ctx, jobs), nil
}

// Broadcast sends each notification to its channel under bundleID. The
// channel addressed by the notification's apns-channel-id header is echoed
// into its outcome.
func (p *Provider) Broadcast(ctx context.Context, bundleID string, notifications ...Notification) BatchResult {
	path, _ := typeBroadcasts.path(bundleID)
	jobs := make([]job, 0, len(notifications))
	for _, n := range notifications {
		compiled := buildNotification(n)
		jobs = append(jobs, job{
			typ:       typeBroadcasts,
			method:    http.MethodPost,
			path:      path,
			kind:      kindForPath(path),
			built:     compiled,
			bundleID:  bundleID,
			channelID: compiled.headers["apns-channel-id"],
		})
	}
	return p.fanOut(ctx, jobs)
}

// fanOut starts every job concurrently, waits for all of them, and
// partitions the settled outcomes.
func (p *Provider) fanOut(ctx context.Context, jobs []job) BatchResult {
	result := BatchResult{Sent: []Success{}, Failed: []Failure{}}
	if len(jobs) == 0 {
		return result
	}

	outcomes := make(chan outcome, len(jobs))
	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			outcomes <- p.run(ctx, j)
		}(j)
	}
	wg.Wait()
	close(outcomes)

	for settled := range outcomes {
		if settled.ok {
			result.Sent = append(result.Sent, settled.success)
		} else {
			result.Failed = append(result.Failed, settled.fail)
		}
	}
	return result
}

// Shutdown closes both sessions in the background and invokes done exactly
// once after both are down. Outstanding requests settle through their
// stream outcomes. Repeated calls are no-ops.
func (p *Provider) Shutdown(done func()) {
	go p.sessions.Shutdown(done)
}

// SetLogger routes session lifecycle logging to log.
func (p *Provider) SetLogger(log zerolog.Logger) {
	p.sessions.SetLogger(log)
}
