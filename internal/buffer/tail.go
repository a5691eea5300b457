// Package buffer provides a bounded writer that keeps only the most recent bytes.
package buffer

import (
	"sync"
)

// DefaultTailSize is the amount of annotator diagnostics kept per run.
const DefaultTailSize = 4 << 10

// Tail is a thread-safe io.Writer that keeps the last capacity bytes written
// to it. Older bytes are discarded and the loss is remembered, so callers can
// tell a complete capture from a truncated one.
type Tail struct {
	data      []byte
	capacity  int
	truncated bool
	mu        sync.RWMutex
}

// NewTail creates a Tail holding at most capacity bytes. A non-positive
// capacity falls back to DefaultTailSize.
func NewTail(capacity int) *Tail {
	if capacity <= 0 {
		capacity = DefaultTailSize
	}
	return &Tail{
		data:     make([]byte, 0, capacity),
		capacity: capacity,
	}
}

// Write appends p, dropping the oldest bytes once capacity is exceeded. It
// always reports the full length of p as written.
func (t *Tail) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(p) >= t.capacity {
		t.truncated = t.truncated || len(t.data) > 0 || len(p) > t.capacity
		t.data = append(t.data[:0], p[len(p)-t.capacity:]...)
		return len(p), nil
	}

	if overflow := len(t.data) + len(p) - t.capacity; overflow > 0 {
		t.truncated = true
		n := copy(t.data, t.data[overflow:])
		t.data = t.data[:n]
	}
	t.data = append(t.data, p...)
	return len(p), nil
}

// Bytes returns a copy of the retained bytes.
func (t *Tail) Bytes() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.data) == 0 {
		return nil
	}
	out := make([]byte, len(t.data))
	copy(out, t.data)
	return out
}

// String returns the retained bytes, prefixed with "..." when earlier output
// was dropped.
func (t *Tail) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.truncated {
		return "..." + string(t.data)
	}
	return string(t.data)
}

// Truncated reports whether any written bytes were discarded.
func (t *Tail) Truncated() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.truncated
}

// Reset empties the buffer.
func (t *Tail) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = t.data[:0]
	t.truncated = false
}

// Len returns the number of retained bytes.
func (t *Tail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.data)
}

// Cap returns the capacity.
func (t *Tail) Cap() int {
	return t.capacity
}
