// Package session tracks live client connections and their authentication
// state.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trna-workbench/backend/internal/model"
)

// SendBufferSize is the number of outbound messages queued per session
// before it is treated as a slow consumer and closed.
const SendBufferSize = 256

// State is the authentication state of a connection.
type State int

const (
	StateConnected State = iota
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is one open duplex connection. Outbound messages are queued with
// Send and drained by the connection's writer, which is the only goroutine
// that writes to the socket.
type Session struct {
	id          string
	remoteAddr  string
	connectedAt time.Time
	send        chan []byte

	mu    sync.Mutex
	state State
	token string
}

// New creates a session in the Connected state.
func New(remoteAddr string) *Session {
	return &Session{
		id:          uuid.New().String(),
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		send:        make(chan []byte, SendBufferSize),
		state:       StateConnected,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address given at connect time.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// ConnectedAt returns when the session was created.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Authenticated reports whether the session is in the Authenticated state.
func (s *Session) Authenticated() bool {
	return s.State() == StateAuthenticated
}

// Token returns the token assigned on authentication, or "".
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// MarkAuthenticated moves the session to Authenticated with the given token.
// Authenticating again replaces the token and returns the previous one so the
// caller can revoke it. A disconnected session cannot be authenticated.
func (s *Session) MarkAuthenticated(token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisconnected {
		return "", model.ErrSessionClosed
	}
	previous := s.token
	s.state = StateAuthenticated
	s.token = token
	return previous, nil
}

// Send queues data for the writer. A full queue closes the session.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisconnected {
		return model.ErrSessionClosed
	}

	select {
	case s.send <- data:
		return nil
	default:
		s.closeLocked()
		return model.ErrSlowConsumer
	}
}

// Outbox returns the queue drained by the connection writer. It is closed
// when the session disconnects.
func (s *Session) Outbox() <-chan []byte {
	return s.send
}

// Close moves the session to Disconnected. It reports whether this call
// performed the transition.
func (s *Session) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() bool {
	if s.state == StateDisconnected {
		return false
	}
	s.state = StateDisconnected
	close(s.send)
	return true
}
