// Package tokens implements the approval-token protocol that binds a
// human-in-the-loop approval to a single proposed tool invocation: signed,
// single-use, TTL-bound tokens in the form v1.<timestamp>.<nonce>.<signature>.
package tokens

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	tokenVersion       = "v1"
	nonceBytes         = 8 // 16 hex characters
	defaultMaxAgeSec   = 300
)

// ReplayStore records consumed (nonce, timestamp) pairs so a token can only
// ever be verified-and-consumed once. Implementations must make CheckAndSet
// atomic: two concurrent callers racing on the same key must not both see
// "not present".
type ReplayStore interface {
	// CheckAndSet returns true if key was NOT already present and is now
	// recorded, with a retention of at least ttl. Returns false if key was
	// already present (a replay).
	CheckAndSet(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Manager signs and verifies approval tokens with a single shared secret.
type Manager struct {
	secret []byte
	replay ReplayStore
	clock  func() time.Time
}

// NewManager constructs a Manager. secret must be non-empty; callers load it
// from HMAC_SECRET (see internal/config).
func NewManager(secret []byte, replay ReplayStore) (*Manager, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("tokens: empty HMAC secret")
	}
	return &Manager{
		secret: secret,
		replay: replay,
		clock:  time.Now,
	}, nil
}

// WithClock overrides the clock, for deterministic tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Sign produces a fresh token over payload: a new timestamp and nonce every
// call, even for an identical payload.
func (m *Manager) Sign(payload string) (string, error) {
	nonce, err := randomNonce()
	if err != nil {
		return "", fmt.Errorf("tokens: nonce generation failed: %w", err)
	}
	ts := m.clock().Unix()
	sig := m.signature(ts, nonce, payload)
	return fmt.Sprintf("%s.%d.%s.%s", tokenVersion, ts, nonce, sig), nil
}

// VerifyAndConsume validates token against payload and, only on full
// success, atomically marks the (nonce, timestamp) pair as consumed so a
// second presentation of the same token always fails. maxAgeSec<=0 uses the
// protocol default of 300 seconds.
func (m *Manager) VerifyAndConsume(ctx context.Context, token, payload string, maxAgeSec int) (bool, error) {
	if maxAgeSec <= 0 {
		maxAgeSec = defaultMaxAgeSec
	}

	version, ts, nonce, sig, err := parseToken(token)
	if err != nil {
		return false, nil
	}
	if version != tokenVersion {
		return false, nil
	}

	now := m.clock().Unix()
	age := now - ts
	if age < 0 || age > int64(maxAgeSec) {
		return false, nil
	}

	expected := m.signature(ts, nonce, payload)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return false, nil
	}

	key := replayKey(ts, nonce)
	ttl := time.Duration(maxAgeSec) * time.Second
	first, err := m.replay.CheckAndSet(ctx, key, ttl)
	if err != nil {
		return false, fmt.Errorf("tokens: replay store error: %w", err)
	}
	return first, nil
}

func (m *Manager) signature(ts int64, nonce, payload string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(fmt.Sprintf("%d:%s:%s", ts, nonce, payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

func replayKey(ts int64, nonce string) string {
	return fmt.Sprintf("%d:%s", ts, nonce)
}

func randomNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// parseToken splits a token into its four dot-separated fields without
// validating the signature.
func parseToken(token string) (version string, ts int64, nonce, sig string, err error) {
	parts := strings.SplitN(token, ".", 4)
	if len(parts) != 4 {
		return "", 0, "", "", fmt.Errorf("tokens: malformed token")
	}
	ts, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", "", fmt.Errorf("tokens: malformed timestamp: %w", err)
	}
	return parts[0], ts, parts[2], parts[3], nil
}
