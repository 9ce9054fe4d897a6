package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"avatarcam/pkg/models"
)

var (
	// ErrMissingToken is returned when no bearer token was presented
	ErrMissingToken = errors.New("missing control token")
	// ErrInvalidToken is returned for unknown, expired or revoked tokens
	ErrInvalidToken = errors.New("invalid control token")
)

// Manager issues and validates control tokens for the pump endpoints
type Manager struct {
	tokens map[string]*models.ControlToken // token -> ControlToken
	mu     sync.RWMutex

	// static token from configuration, never expires
	static string

	// Config
	defaultExpiration time.Duration
	maxExpiration     time.Duration
}

// New creates a new auth manager. A non-empty static token is always accepted.
func New(static string) *Manager {
	return &Manager{
		tokens:            make(map[string]*models.ControlToken),
		static:            static,
		defaultExpiration: 1 * time.Hour,
		maxExpiration:     24 * time.Hour,
	}
}

// Enabled reports whether any token can currently authorize a request.
// With no static token and nothing issued, control endpoints stay open.
func (m *Manager) Enabled() bool {
	if m.static != "" {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens) > 0
}

// Generate creates a new control token. expiresIn <= 0 uses the default
// expiration; anything longer than 24h is capped.
func (m *Manager) Generate(expiresIn time.Duration) (*models.ControlToken, error) {
	// Generate secure random token
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, errors.Wrap(err, "failed to generate token")
	}
	tokenString := hex.EncodeToString(tokenBytes)

	expiration := expiresIn
	if expiration <= 0 {
		expiration = m.defaultExpiration
	}
	if expiration > m.maxExpiration {
		expiration = m.maxExpiration
	}

	now := time.Now()
	token := &models.ControlToken{
		Token:     tokenString,
		CreatedAt: now,
		ExpiresAt: now.Add(expiration),
	}

	m.mu.Lock()
	m.tokens[tokenString] = token
	m.mu.Unlock()

	return token, nil
}

// Validate checks a presented token
func (m *Manager) Validate(tokenString string) error {
	if tokenString == "" {
		return ErrMissingToken
	}
	if m.static != "" && subtle.ConstantTimeCompare([]byte(tokenString), []byte(m.static)) == 1 {
		return nil
	}

	m.mu.RLock()
	token, exists := m.tokens[tokenString]
	m.mu.RUnlock()

	if !exists || !token.IsValid() {
		return ErrInvalidToken
	}
	return nil
}

// Revoke marks a token as revoked
func (m *Manager) Revoke(tokenString string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token, exists := m.tokens[tokenString]; exists {
		token.Revoked = true
	}
}

// CleanupExpired removes expired and revoked tokens (call periodically).
// Returns how many were removed.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for tokenString, token := range m.tokens {
		if !token.IsValid() {
			delete(m.tokens, tokenString)
			removed++
		}
	}
	return removed
}

// Count returns the number of issued tokens still held
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
