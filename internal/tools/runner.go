// Package tools runs annotation tools against stored records on the worker
// pool and commits their output to the record's tool slot.
package tools

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trna-workbench/backend/internal/model"
	"github.com/trna-workbench/backend/internal/worker"
)

// Annotator produces the value of one tool slot for a record.
type Annotator interface {
	Name() string
	Slot() model.ToolSlot
	Annotate(ctx context.Context, rec *model.SequenceRecord) (string, error)
}

// Store is the part of the Record Store the runner needs.
type Store interface {
	Get(ctx context.Context, id string) (*model.SequenceRecord, error)
	UpdateToolSlot(ctx context.Context, id string, slot model.ToolSlot, value string) error
}

// Result describes one finished annotation.
type Result struct {
	ID       string
	Tool     string
	Slot     model.ToolSlot
	Duration time.Duration
	Err      error
}

// Runner executes annotators off the event loop.
type Runner struct {
	store Store
	pool  *worker.Pool
	log   *zap.Logger
}

// NewRunner creates a Runner scheduling work on pool.
func NewRunner(store Store, pool *worker.Pool, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{store: store, pool: pool, log: log.Named("tools")}
}

// Dispatch schedules annotator for record id on the pool and returns without
// waiting. done, if non-nil, receives the outcome on the worker goroutine.
func (r *Runner) Dispatch(id string, annotator Annotator, done func(Result)) error {
	return r.pool.Go("annotate-"+annotator.Name(), func(ctx context.Context) {
		res := r.Run(ctx, id, annotator)
		if done != nil {
			done(res)
		}
	})
}

// Run executes annotator for record id on the calling goroutine.
func (r *Runner) Run(ctx context.Context, id string, annotator Annotator) Result {
	start := time.Now()
	res := Result{ID: id, Tool: annotator.Name(), Slot: annotator.Slot()}
	res.Err = r.run(ctx, id, annotator)
	res.Duration = time.Since(start)

	fields := []zap.Field{
		zap.String("id", id),
		zap.String("tool", res.Tool),
		zap.String("slot", string(res.Slot)),
		zap.Duration("duration", res.Duration),
	}
	if res.Err != nil {
		r.log.Warn("annotation failed", append(fields, zap.Error(res.Err))...)
	} else {
		r.log.Info("annotation stored", fields...)
	}
	return res
}

func (r *Runner) run(ctx context.Context, id string, annotator Annotator) error {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", model.ErrRecordNotFound, id)
	}

	value, err := annotator.Annotate(ctx, rec)
	if err != nil {
		return fmt.Errorf("%s: %w", annotator.Name(), err)
	}
	return r.store.UpdateToolSlot(ctx, id, annotator.Slot(), value)
}
