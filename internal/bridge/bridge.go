// Package bridge hands committed store mutations to the event loop that owns
// all connection I/O.
//
// Mutations may happen on any goroutine (request handlers, tool workers). The
// bridge never runs notification work itself: it enqueues a Task on the
// registered Loop and returns immediately, and the loop reports each task's
// outcome back through the task's Done observer, where failures are logged.
package bridge

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/trna-workbench/backend/internal/metrics"
	"github.com/trna-workbench/backend/internal/model"
)

// Task is a unit of work executed on the event loop.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
	// Done observes the outcome of Run. It is called on the loop goroutine,
	// including when Run panics.
	Done func(err error)
}

// Loop accepts tasks without blocking the caller.
type Loop interface {
	Submit(task Task) error
}

// Handler performs the notification for one committed change. It runs on the loop.
type Handler func(ctx context.Context, id string, kind model.ChangeKind) error

// Bridge implements cache.Notifier on top of a Loop.
type Bridge struct {
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	loop    Loop
	handler Handler
}

// New creates an unbound Bridge. Until RegisterNotifier is called, Notify is a no-op.
func New(log *zap.Logger, m *metrics.Metrics) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{log: log.Named("bridge"), metrics: m}
}

// RegisterNotifier binds the bridge to the active event loop. It may be
// called once.
func (b *Bridge) RegisterNotifier(loop Loop, handler Handler) error {
	if loop == nil || handler == nil {
		return fmt.Errorf("register notifier: loop and handler are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.loop != nil {
		return model.ErrNotifierRegistered
	}
	b.loop = loop
	b.handler = handler
	b.log.Info("notifier registered")
	return nil
}

// Notify schedules the notification for a committed change on the loop. It
// never blocks on the loop and never fails the caller.
func (b *Bridge) Notify(id string, kind model.ChangeKind) {
	b.mu.RLock()
	loop, handler := b.loop, b.handler
	b.mu.RUnlock()

	if loop == nil {
		b.log.Debug("no event loop registered, push skipped", zap.String("id", id), zap.String("kind", string(kind)))
		b.metrics.Notification(string(kind), "skipped")
		return
	}

	task := Task{
		Name: "notify-" + string(kind),
		Run: func(ctx context.Context) error {
			return handler(ctx, id, kind)
		},
		Done: func(err error) {
			if err != nil {
				b.log.Error("notification failed", zap.String("id", id), zap.String("kind", string(kind)), zap.Error(err))
				b.metrics.Notification(string(kind), "failed")
				return
			}
			b.log.Debug("notification delivered", zap.String("id", id), zap.String("kind", string(kind)))
			b.metrics.Notification(string(kind), "delivered")
		},
	}

	if err := loop.Submit(task); err != nil {
		b.log.Warn("notification not scheduled", zap.String("id", id), zap.String("kind", string(kind)), zap.Error(err))
		b.metrics.Notification(string(kind), "dropped")
	}
}
