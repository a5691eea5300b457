package ws

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/trna-workbench/backend/internal/bridge"
	"github.com/trna-workbench/backend/internal/metrics"
	"github.com/trna-workbench/backend/internal/model"
	"github.com/trna-workbench/backend/internal/session"
)

// Hub is the event loop. Tasks run one at a time on the goroutine calling
// Run, in submission order. Only tasks touch the registry's membership and
// enqueue outbound messages.
type Hub struct {
	registry *session.Registry
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	queue   []bridge.Task
	wake    chan struct{}
	running bool
	stopped bool
	done    chan struct{}
}

// NewHub creates a Hub. It does not process tasks until Run is called.
func NewHub(registry *session.Registry, log *zap.Logger, m *metrics.Metrics) *Hub {
	if registry == nil {
		registry = session.NewRegistry()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		registry: registry,
		log:      log.Named("hub"),
		metrics:  m,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Registry returns the session registry owned by the hub.
func (h *Hub) Registry() *session.Registry {
	return h.registry
}

// Submit appends task to the loop's queue. It never blocks.
func (h *Hub) Submit(task bridge.Task) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return model.ErrLoopStopped
	}
	h.queue = append(h.queue, task)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
	return nil
}

// Do submits fn as a task whose failure is logged.
func (h *Hub) Do(name string, fn func(ctx context.Context) error) error {
	return h.Submit(bridge.Task{
		Name: name,
		Run:  fn,
		Done: func(err error) {
			if err != nil {
				h.log.Warn("task failed", zap.String("task", name), zap.Error(err))
			}
		},
	})
}

// Run processes tasks until ctx is cancelled. On return every registered
// session is closed and tasks still queued are completed with
// ErrLoopStopped.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.running || h.stopped {
		h.mu.Unlock()
		return fmt.Errorf("hub already started")
	}
	h.running = true
	h.mu.Unlock()

	defer close(h.done)
	h.log.Info("event loop started")

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		default:
		}

		if task, ok := h.next(); ok {
			h.runTask(ctx, task)
			continue
		}

		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case <-h.wake:
		}
	}
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) next() (bridge.Task, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.queue) == 0 {
		return bridge.Task{}, false
	}
	task := h.queue[0]
	h.queue[0] = bridge.Task{}
	h.queue = h.queue[1:]
	return task, true
}

func (h *Hub) runTask(ctx context.Context, task bridge.Task) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %s panicked: %v", task.Name, r)
			}
		}()
		err = task.Run(ctx)
	}()

	if task.Done != nil {
		task.Done(err)
	} else if err != nil {
		h.log.Warn("task failed", zap.String("task", task.Name), zap.Error(err))
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	h.stopped = true
	pending := h.queue
	h.queue = nil
	h.mu.Unlock()

	for _, task := range pending {
		if task.Done != nil {
			task.Done(model.ErrLoopStopped)
		}
	}

	sessions := h.registry.All()
	for _, s := range sessions {
		h.registry.Remove(s.ID())
		s.Close()
	}
	h.metrics.Sessions(0, 0)
	h.log.Info("event loop stopped", zap.Int("dropped_tasks", len(pending)), zap.Int("closed_sessions", len(sessions)))
}
