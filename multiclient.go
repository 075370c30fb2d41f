package apns

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// MultiProvider spreads load over several independent Providers, each with
// its own pair of sessions. Calls are assigned round-robin per call, not
// per recipient.
type MultiProvider struct {
	providers []*Provider
	next      atomic.Uint64
	once      sync.Once
}

// NewMultiProvider builds Config.ClientCount independent Providers
// (default 2).
func NewMultiProvider(cfg *Config) (*MultiProvider, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	count := cfg.ClientCount
	if count < 0 {
		return nil, &ConfigError{Option: "clientCount", Reason: "must be a positive integer"}
	}
	if count == 0 {
		count = DefaultClientCount
	}

	providers := make([]*Provider, 0, count)
	for range count {
		p, err := New(cfg)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return &MultiProvider{providers: providers}, nil
}

func (m *MultiProvider) pick() *Provider {
	i := m.next.Add(1) - 1
	return m.providers[i%uint64(len(m.providers))]
}

// Send delegates to the next Provider in round-robin order.
func (m *MultiProvider) Send(ctx context.Context, notification Notification, deviceTokens ...string) BatchResult {
	return m.pick().Send(ctx, notification, deviceTokens...)
}

// ManageChannels delegates to the next Provider in round-robin order.
func (m *MultiProvider) ManageChannels(ctx context.Context, bundleID string, action ChannelAction, notifications ...Notification) (BatchResult, error) {
	return m.pick().ManageChannels(ctx, bundleID, action, notifications...)
}

// Broadcast delegates to the next Provider in round-robin order.
func (m *MultiProvider) Broadcast(ctx context.Context, bundleID string, notifications ...Notification) BatchResult {
	return m.pick().Broadcast(ctx, bundleID, notifications...)
}

// Shutdown shuts every Provider down and invokes done exactly once after
// all of them finish. Repeated calls are no-ops.
func (m *MultiProvider) Shutdown(done func()) {
	m.once.Do(func() {
		go func() {
			var wg sync.WaitGroup
			for _, p := range m.providers {
				wg.Add(1)
				go p.sessions.Shutdown(wg.Done)
			}
			wg.Wait()
			if done != nil {
				done()
			}
		}()
	})
}

// SetLogger forwards log to every Provider.
func (m *MultiProvider) SetLogger(log zerolog.Logger) {
	for _, p := range m.providers {
		p.SetLogger(log)
	}
}
