// Package auth implements shared-secret authentication for client
// connections: secret checks with a process-wide lockout, and issuing,
// verifying and revoking time-limited tokens.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/trna-workbench/backend/internal/metrics"
	"github.com/trna-workbench/backend/internal/model"
)

// FailureThreshold is the number of failed attempts that terminates the process.
const FailureThreshold = 5

// Config holds configuration for the Authenticator.
type Config struct {
	Secret   string
	TokenTTL time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	// Terminate is called once when the failure threshold is reached.
	// It defaults to logging at fatal level, which exits the process.
	Terminate func()
}

// Authenticator checks secrets and manages tokens. The failure counter lives
// as long as the Authenticator and is never reset.
type Authenticator struct {
	secretHash []byte
	tokens     *TokenStore
	log        *zap.Logger
	metrics    *metrics.Metrics
	terminate  func()

	mu         sync.Mutex
	failures   int
	terminated bool
}

// New creates an Authenticator for the configured shared secret.
func New(config Config, log *zap.Logger, m *metrics.Metrics) (*Authenticator, error) {
	if config.Secret == "" {
		return nil, errors.New("auth secret is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("auth")

	cost := config.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(config.Secret), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash auth secret: %w", err)
	}

	tokens, err := NewTokenStore(config.TokenTTL)
	if err != nil {
		return nil, err
	}

	a := &Authenticator{
		secretHash: hash,
		tokens:     tokens,
		log:        log,
		metrics:    m,
		terminate:  config.Terminate,
	}
	log.Info("authenticator ready", zap.Duration("token_ttl", tokens.TTL()), zap.Int("failure_threshold", FailureThreshold))
	if a.terminate == nil {
		a.terminate = func() {
			a.log.Fatal("authentication failure threshold reached, shutting down", zap.Int("threshold", FailureThreshold))
		}
	}
	return a, nil
}

// Authenticate compares secret with the shared secret and issues a token on
// a match. A mismatch counts toward the lockout threshold.
func (a *Authenticator) Authenticate(secret string) (Token, error) {
	if err := bcrypt.CompareHashAndPassword(a.secretHash, []byte(secret)); err != nil {
		a.recordFailure()
		return Token{}, model.ErrInvalidSecret
	}

	tok, err := a.tokens.Issue()
	if err != nil {
		return Token{}, err
	}
	a.log.Info("token issued", zap.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

func (a *Authenticator) recordFailure() {
	a.mu.Lock()
	a.failures++
	failures := a.failures
	lockout := failures >= FailureThreshold && !a.terminated
	if lockout {
		a.terminated = true
	}
	a.mu.Unlock()

	a.metrics.AuthFailure()
	a.log.Warn("authentication failed", zap.Int("failures", failures), zap.Int("threshold", FailureThreshold))

	if lockout {
		a.log.Error("authentication lockout triggered", zap.Int("failures", failures))
		a.terminate()
	}
}

// Failures returns the number of failed attempts since startup.
func (a *Authenticator) Failures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures
}

// Verify reports whether token is a live, correctly signed token.
func (a *Authenticator) Verify(token string) error {
	return a.tokens.Verify(token)
}

// Revoke invalidates a token.
func (a *Authenticator) Revoke(token string) {
	if token == "" {
		return
	}
	a.tokens.Revoke(token)
	a.log.Debug("token revoked")
}
