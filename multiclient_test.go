package apns

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"
)

func generateSigningKey(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func testMultiProvider(t *testing.T, clientCount int) (*MultiProvider, []*fakeTransport) {
	t.Helper()
	m, err := NewMultiProvider(&Config{
		Token:       &TokenOptions{Key: generateSigningKey(t), KeyID: "KEYID12345", TeamID: "TEAMID1234"},
		ClientCount: clientCount,
	})
	if err != nil {
		t.Fatalf("NewMultiProvider failed: %v", err)
	}
	// Swap the real session managers for fakes.
	transports := make([]*fakeTransport, len(m.providers))
	for i, p := range m.providers {
		ft := newFakeTransport(nil)
		transports[i] = ft
		p.sessions = ft
		p.req.sessions = ft
	}
	return m, transports
}

func TestNewMultiProviderDefaults(t *testing.T) {
	m, _ := testMultiProvider(t, 0)
	if got := len(m.providers); got != DefaultClientCount {
		t.Errorf("expected %d clients by default, got %d", DefaultClientCount, got)
	}
}

func TestNewMultiProviderRejectsNegativeCount(t *testing.T) {
	_, err := NewMultiProvider(&Config{ClientCount: -1})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected a ConfigError, got %v", err)
	}
	if cfgErr.Option != "clientCount" {
		t.Errorf("unexpected option %q", cfgErr.Option)
	}
}

func TestMultiProviderRoundRobin(t *testing.T) {
	m, transports := testMultiProvider(t, 2)

	note := RawNotification{Payload: []byte(`{"aps":{}}`)}
	for range 4 {
		m.Send(context.Background(), note, "abcd1234")
	}

	// Calls alternate between the clients, one client per call.
	for i, ft := range transports {
		if got := len(ft.captured()); got != 2 {
			t.Errorf("client %d handled %d calls, want 2", i, got)
		}
	}
}

func TestMultiProviderBatchStaysOnOneClient(t *testing.T) {
	m, transports := testMultiProvider(t, 2)

	note := RawNotification{Payload: []byte(`{"aps":{}}`)}
	m.Send(context.Background(), note, "tok1", "tok2", "tok3")

	counts := []int{len(transports[0].captured()), len(transports[1].captured())}
	if counts[0]+counts[1] != 3 {
		t.Fatalf("expected 3 requests total, got %v", counts)
	}
	if counts[0] != 0 && counts[1] != 0 {
		t.Errorf("round robin is per call, not per recipient: %v", counts)
	}
}

func TestMultiProviderShutdownOnce(t *testing.T) {
	m, transports := testMultiProvider(t, 3)

	done := make(chan struct{})
	m.Shutdown(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("the completion callback never fired")
	}

	for i, ft := range transports {
		ft.mu.Lock()
		shutdowns := ft.shutdowns
		ft.mu.Unlock()
		if shutdowns != 1 {
			t.Errorf("client %d shut down %d times", i, shutdowns)
		}
	}

	// A second shutdown does not fire the callback again.
	m.Shutdown(func() { t.Errorf("the callback must fire exactly once") })
	time.Sleep(50 * time.Millisecond)
}
