package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"

	"github.com/trna-workbench/backend/internal/model"
)

const (
	// DefaultTokenTTL is the lifetime of an issued token.
	DefaultTokenTTL = 24 * time.Hour

	tokenBytes      = 32
	signingKeyBytes = 32

	// Expired tokens stay in the store this long so a check can report
	// them as expired before the janitor sweeps them.
	expiredRetention = time.Hour
	janitorInterval  = 10 * time.Minute
)

var signingMethod = jwt.SigningMethodHS256

// Token is an issued credential.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type tokenEntry struct {
	expiresAt time.Time
	signature []byte
}

// TokenStore holds issued tokens in process memory. Each token is stored with
// an HMAC signature over its value under a key generated at startup, so a
// restart invalidates every token.
type TokenStore struct {
	ttl   time.Duration
	key   []byte
	items *gocache.Cache
	now   func() time.Time
}

// NewTokenStore creates an empty store issuing tokens valid for ttl.
func NewTokenStore(ttl time.Duration) (*TokenStore, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	key := make([]byte, signingKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	return &TokenStore{
		ttl:   ttl,
		key:   key,
		items: gocache.New(ttl+expiredRetention, janitorInterval),
		now:   time.Now,
	}, nil
}

// TTL returns the lifetime of issued tokens.
func (s *TokenStore) TTL() time.Duration { return s.ttl }

// Issue creates, signs and stores a new token.
func (s *TokenStore) Issue() (Token, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return Token{}, fmt.Errorf("failed to generate token: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(raw)

	sig, err := signingMethod.Sign(value, s.key)
	if err != nil {
		return Token{}, fmt.Errorf("failed to sign token: %w", err)
	}

	tok := Token{Value: value, ExpiresAt: s.now().Add(s.ttl).UTC()}
	s.items.SetDefault(value, tokenEntry{expiresAt: tok.ExpiresAt, signature: sig})
	return tok, nil
}

// Verify checks that the token exists, has not expired and that its stored
// signature matches a fresh signature of its value. Expired tokens are
// evicted.
func (s *TokenStore) Verify(value string) error {
	if value == "" {
		return model.ErrInvalidToken
	}

	item, ok := s.items.Get(value)
	if !ok {
		return model.ErrInvalidToken
	}
	entry := item.(tokenEntry)

	if !s.now().Before(entry.expiresAt) {
		s.items.Delete(value)
		return model.ErrTokenExpired
	}

	// Verify compares in constant time.
	if err := signingMethod.Verify(value, entry.signature, s.key); err != nil {
		return model.ErrInvalidToken
	}
	return nil
}

// Revoke removes a token. Revoking an unknown token is a no-op.
func (s *TokenStore) Revoke(value string) {
	s.items.Delete(value)
}

// Len returns the number of stored tokens, including expired ones not yet swept.
func (s *TokenStore) Len() int {
	return s.items.ItemCount()
}
