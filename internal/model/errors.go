package model

import "errors"

var (
	// ErrRecordNotFound is returned when a record id is unknown.
	ErrRecordNotFound = errors.New("record not found")

	// ErrEmptyID is returned when a record is written without an id.
	ErrEmptyID = errors.New("record id is required")

	// ErrUnknownToolSlot is returned when a tool slot name is not one of the fixed set.
	ErrUnknownToolSlot = errors.New("unknown tool slot")

	// ErrMalformedAnnotation is returned when a tool's output cannot be parsed.
	ErrMalformedAnnotation = errors.New("malformed annotation")

	// ErrInvalidSecret is returned when an authentication attempt supplies the wrong secret.
	ErrInvalidSecret = errors.New("invalid secret")

	// ErrInvalidToken is returned when a token is missing, unknown or carries a bad signature.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when a token has outlived its TTL.
	ErrTokenExpired = errors.New("token expired")

	// ErrSessionClosed is returned when sending to a session that has disconnected.
	ErrSessionClosed = errors.New("session closed")

	// ErrSlowConsumer is returned when a session's outbound queue is full.
	ErrSlowConsumer = errors.New("session send buffer full")

	// ErrLoopStopped is returned when submitting work to an event loop that is no longer running.
	ErrLoopStopped = errors.New("event loop stopped")

	// ErrNotifierRegistered is returned when a second event loop is bound to the notification bridge.
	ErrNotifierRegistered = errors.New("notifier already registered")
)
