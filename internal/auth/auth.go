// Package auth verifies agent identity via a signed-message challenge and
// manages the session token table.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultSessionTTL is how long an issued session token stays valid.
	DefaultSessionTTL = 24 * time.Hour
	// DefaultMaxClockSkew bounds the replay window: a challenge timestamp
	// more than this far from server time, in either direction, is rejected.
	DefaultMaxClockSkew = 5 * time.Minute
)

var (
	// ErrInvalidSignature covers both malformed signatures and signatures
	// whose recovered address does not match the declared one.
	ErrInvalidSignature = errors.New("Invalid signature")
	// ErrChallengeExpired is returned for timestamps outside the skew window.
	ErrChallengeExpired = errors.New("challenge timestamp expired")
	// ErrSessionNotFound means the token is unknown, revoked, or past expiry.
	ErrSessionNotFound = errors.New("session not found")
)

// Credentials are submitted once per handshake and never persisted beyond
// verification.
type Credentials struct {
	Address   string
	TokenID   string
	Signature string
	Timestamp int64 // unix milliseconds
}

// Session is the server-side record behind an issued token. A token is valid
// iff its record is present in the table and now < ExpiresAt.
type Session struct {
	Address   string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Manager issues, validates, and revokes session tokens. Safe for concurrent
// use; the sweep loop may run while request handlers read the table.
type Manager struct {
	secret     []byte
	sessionTTL time.Duration
	maxSkew    time.Duration
	log        zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by token jti

	sweepDone chan struct{}
	sweepOnce sync.Once

	now func() time.Time
}

// NewManager creates a session manager signing tokens with secret.
func NewManager(secret []byte, log zerolog.Logger) *Manager {
	return &Manager{
		secret:     secret,
		sessionTTL: DefaultSessionTTL,
		maxSkew:    DefaultMaxClockSkew,
		log:        log.With().Str("component", "auth").Logger(),
		sessions:   make(map[string]*Session),
		sweepDone:  make(chan struct{}),
		now:        time.Now,
	}
}

// Challenge reconstructs the canonical message an agent must sign.
func Challenge(address, tokenID string, timestamp int64) string {
	return fmt.Sprintf("A2A Authentication\n\nAddress: %s\nToken ID: %s\nTimestamp: %d",
		address, tokenID, timestamp)
}

// Authenticate verifies the signed challenge and, on success, mints a session
// token. All rejections are returned as errors; nothing panics past this
// boundary.
func (m *Manager) Authenticate(creds Credentials) (string, *Session, error) {
	now := m.now()
	ts := time.UnixMilli(creds.Timestamp)
	if d := now.Sub(ts); d > m.maxSkew || d < -m.maxSkew {
		return "", nil, fmt.Errorf("%w: timestamp %d outside %s window", ErrChallengeExpired, creds.Timestamp, m.maxSkew)
	}

	recovered, err := RecoverAddress(Challenge(creds.Address, creds.TokenID, creds.Timestamp), creds.Signature)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !strings.EqualFold(recovered.Hex(), creds.Address) {
		m.log.Debug().Str("declared", creds.Address).Str("recovered", recovered.Hex()).Msg("address mismatch")
		return "", nil, ErrInvalidSignature
	}

	sess := &Session{
		Address:   creds.Address,
		TokenID:   creds.TokenID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.sessionTTL),
	}
	jti := uuid.NewString()
	token, err := m.mintToken(jti, sess)
	if err != nil {
		return "", nil, fmt.Errorf("mint session token: %w", err)
	}

	m.mu.Lock()
	m.sessions[jti] = sess
	m.mu.Unlock()

	m.log.Info().Str("address", creds.Address).Str("tokenId", creds.TokenID).Msg("session issued")
	return token, sess, nil
}

func (m *Manager) mintToken(jti string, sess *Session) (string, error) {
	claims := jwt.MapClaims{
		"sub": sess.Address,
		"tid": sess.TokenID,
		"jti": jti,
		"iat": sess.IssuedAt.Unix(),
		"exp": sess.ExpiresAt.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// tokenID extracts and verifies the jti from a token string.
func (m *Manager) tokenID(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return "", errors.New("invalid token claims")
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return "", errors.New("token missing jti")
	}
	return jti, nil
}

// VerifySession reports whether token maps to a live session.
func (m *Manager) VerifySession(token string) bool {
	return m.GetSession(token) != nil
}

// GetSession returns the session record for token, or nil if the token is
// invalid, revoked, or expired.
func (m *Manager) GetSession(token string) *Session {
	jti, err := m.tokenID(token)
	if err != nil {
		return nil
	}
	m.mu.RLock()
	sess, ok := m.sessions[jti]
	m.mu.RUnlock()
	if !ok || m.now().After(sess.ExpiresAt) {
		return nil
	}
	cp := *sess
	return &cp
}

// RevokeSession removes the session behind token. Revoking an unknown or
// malformed token is a no-op.
func (m *Manager) RevokeSession(token string) {
	jti, err := m.tokenID(token)
	if err != nil {
		return
	}
	m.mu.Lock()
	delete(m.sessions, jti)
	m.mu.Unlock()
}

// CleanupExpiredSessions purges entries past their expiry and returns how
// many were removed. Safe to call concurrently with reads.
func (m *Manager) CleanupExpiredSessions() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for jti, sess := range m.sessions {
		if now.After(sess.ExpiresAt) {
			delete(m.sessions, jti)
			removed++
		}
	}
	return removed
}

// StartSweeper runs CleanupExpiredSessions on a timer until StopSweeper.
func (m *Manager) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.CleanupExpiredSessions(); n > 0 {
					m.log.Debug().Int("removed", n).Msg("swept expired sessions")
				}
			case <-m.sweepDone:
				return
			}
		}
	}()
}

// StopSweeper stops the background sweep loop.
func (m *Manager) StopSweeper() {
	m.sweepOnce.Do(func() { close(m.sweepDone) })
}

// ActiveSessions returns the current table size.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// RecoverAddress recovers the signing address from a personal-sign signature
// over msg. The signature is a 0x-prefixed 65-byte hex string; v may be 0/1
// or 27/28.
func RecoverAddress(msg, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(PersonalDigest(msg), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// PersonalDigest hashes msg with the Ethereum personal-sign prefix.
func PersonalDigest(msg string) []byte {
	return crypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)))
}
