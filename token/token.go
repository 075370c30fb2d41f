// Package token maintains the provider authentication token used for
// token-based (.p8) connections to APNs.
//
// A Source holds the current signed token together with a generation
// counter. Concurrent requests that all observe an expired token pass the
// generation they saw to Regenerate; only the first caller per generation
// mints a new token, the rest are no-ops.
package token

import (
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RefreshThreshold is the age at which a provider token is considered
// expired. APNs rejects tokens older than one hour; refreshing at 55
// minutes keeps a healthy margin.
const RefreshThreshold = 3300 * time.Second

// Clock wraps time functions so they can be overridden in tests.
var Clock = struct {
	Now func() time.Time
}{
	Now: time.Now,
}

// Minter produces a signed provider token for a given issue time.
type Minter interface {
	Mint(issuedAt time.Time) (string, error)
}

// ES256Minter signs provider tokens with an Apple-issued .p8 signing key.
type ES256Minter struct {
	Key    *ecdsa.PrivateKey
	KeyID  string
	TeamID string
}

// NewES256Minter parses a PEM-encoded .p8 key and returns a minter for it.
func NewES256Minter(keyPEM []byte, keyID, teamID string) (*ES256Minter, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse provider signing key: %w", err)
	}
	return &ES256Minter{Key: key, KeyID: keyID, TeamID: teamID}, nil
}

// Mint returns a signed JWT with the team identifier as issuer and the
// given issue time, carrying the key identifier in the header.
func (m *ES256Minter) Mint(issuedAt time.Time) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": m.TeamID,
		"iat": issuedAt.Unix(),
	})
	tok.Header["kid"] = m.KeyID
	signed, err := tok.SignedString(m.Key)
	if err != nil {
		return "", fmt.Errorf("failed to sign provider token: %w", err)
	}
	return signed, nil
}

// Source holds the live provider token and its generation counter.
// The zero generation carries no token, so the first request always
// triggers a regeneration.
type Source struct {
	minter Minter

	mu         sync.Mutex
	current    string
	generation uint64
	issuedAt   time.Time
}

// NewSource returns a Source that mints tokens with m on demand.
func NewSource(m Minter) *Source {
	return &Source{minter: m}
}

// Current returns the live token and the generation that produced it.
func (s *Source) Current() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.generation
}

// IsExpired reports whether the current token is at least threshold old.
// A Source that has never minted is always expired.
func (s *Source) IsExpired(threshold time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.issuedAt.IsZero() {
		return true
	}
	return Clock.Now().Sub(s.issuedAt) >= threshold
}

// Regenerate mints a new token if observed still matches the current
// generation. Callers that lost the race observe a stale generation and
// return immediately, so exactly one mint happens per epoch.
func (s *Source) Regenerate(observed uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if observed != s.generation {
		return nil
	}
	now := Clock.Now()
	minted, err := s.minter.Mint(now)
	if err != nil {
		return err
	}
	s.current = minted
	s.generation++
	s.issuedAt = now
	return nil
}
