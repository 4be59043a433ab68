package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/pkg/models"
)

// RunThread drives one thread's queue to quiescence. Safe to call
// concurrently for different threads; for the same thread, the processing
// check and the atomic claim guarantee only one invocation makes progress.
//
// The loop is iterative with a bounded step budget, so a conversation that
// keeps producing events yields control instead of growing the stack or
// starving other threads.
func (e *Engine) RunThread(ctx context.Context, threadID string) error {
	if inFlight, err := e.queue.Processing(ctx, threadID); err != nil {
		return fmt.Errorf("failed to check in-flight event: %w", err)
	} else if inFlight != nil {
		return nil
	}

	for steps := 0; steps < e.cfg.MaxStepsPerRun; steps++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		// An archived thread keeps its pending events untouched: nothing
		// moves past pending until the thread is reopened.
		thread, err := e.store.GetThreadByID(ctx, threadID)
		if err != nil {
			return fmt.Errorf("failed to load thread: %w", err)
		}
		if thread.IsArchived() {
			if e.logger != nil {
				e.logger.Debug(ctx, "thread archived, leaving queue untouched", "thread_id", threadID)
			}
			return nil
		}

		ev, err := e.queue.Claim(ctx, threadID)
		if errors.Is(err, queue.ErrEmpty) {
			return nil
		}
		if errors.Is(err, queue.ErrClaimLost) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to claim event: %w", err)
		}

		if err := e.step(ctx, ev); err != nil {
			// A failed event halts the thread's loop; new input resumes it.
			return err
		}
	}
	return nil
}

// step processes one claimed event through pre-process, the optional OnEvent
// override, and the default processor, then completes the event and enqueues
// what it produced.
func (e *Engine) step(ctx context.Context, ev *models.Event) error {
	start := time.Now()

	ctx = observability.WithThreadID(ctx, ev.ThreadID)
	ctx = observability.WithEventID(ctx, ev.ID)

	ctx, finish := e.startEventSpan(ctx, ev)

	procCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.EventTimeout > 0 {
		procCtx, cancel = context.WithTimeout(ctx, e.cfg.EventTimeout)
		defer cancel()
	}

	produced, err := e.dispatch(procCtx, ev)
	if err != nil {
		e.fail(ctx, ev, err)
		if finish != nil {
			finish(err)
		}
		e.recordEvent(ev, "failed", time.Since(start))
		return err
	}

	if err := e.queue.MarkCompleted(ctx, ev.ID); err != nil {
		e.fail(ctx, ev, err)
		if finish != nil {
			finish(err)
		}
		e.recordEvent(ev, "failed", time.Since(start))
		return fmt.Errorf("failed to complete event %s: %w", ev.ID, err)
	}

	// Produced events become visible only after the parent completed, so a
	// crash mid-step can never leave orphaned children ahead of their cause.
	if len(produced) > 0 {
		for _, child := range produced {
			child.ParentEventID = ev.ID
			if child.TraceID == "" {
				child.TraceID = ev.TraceID
			}
			if e.cfg.EventTTL > 0 && child.TTLMs == 0 {
				child.TTLMs = e.cfg.EventTTL.Milliseconds()
			}
		}
		if err := e.queue.AddBatch(ctx, produced); err != nil {
			if finish != nil {
				finish(err)
			}
			e.recordEvent(ev, "completed", time.Since(start))
			return fmt.Errorf("failed to enqueue produced events: %w", err)
		}
	}

	if finish != nil {
		finish(nil)
	}
	e.recordEvent(ev, "completed", time.Since(start))
	if e.logger != nil {
		e.logger.Debug(ctx, "event completed",
			"type", string(ev.Type), "produced", len(produced),
			"duration_ms", time.Since(start).Milliseconds())
	}
	return nil
}

// dispatch runs the processing pipeline for one event and returns the events
// to enqueue, pre-events first.
func (e *Engine) dispatch(ctx context.Context, ev *models.Event) ([]*models.Event, error) {
	proc, ok := e.processors[ev.Type]
	if !ok {
		return nil, nil
	}

	preEvents, err := proc.PreProcess(ctx, ev)
	if err != nil {
		return nil, err
	}

	var produced []*models.Event
	overridden := false
	if e.hooks.OnEvent != nil {
		if decision := e.hooks.OnEvent(ctx, ev); decision != nil {
			overridden = true
			if !decision.Drop {
				produced = decision.Produced
			}
		}
	}
	if !overridden && proc.ShouldProcess(ev) {
		produced, err = proc.Process(ctx, ev)
		if err != nil {
			return nil, err
		}
	}

	return append(preEvents, produced...), nil
}

func (e *Engine) fail(ctx context.Context, ev *models.Event, cause error) {
	if err := e.queue.MarkFailed(ctx, ev.ID, cause.Error()); err != nil && e.logger != nil {
		e.logger.Error(ctx, "failed to mark event failed", "event_id", ev.ID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.RecordError("engine", string(ev.Type))
	}
	if e.logger != nil {
		e.logger.Error(ctx, "event processing failed",
			"type", string(ev.Type), "error", cause)
	}
}

func (e *Engine) recordEvent(ev *models.Event, status string, elapsed time.Duration) {
	if e.metrics != nil {
		e.metrics.RecordEvent(string(ev.Type), status, elapsed.Seconds())
	}
}

func (e *Engine) startEventSpan(ctx context.Context, ev *models.Event) (context.Context, func(error)) {
	if e.tracer == nil {
		return ctx, nil
	}
	ctx, span := e.tracer.StartEvent(ctx, string(ev.Type), ev.ThreadID, ev.ID)
	return ctx, func(err error) {
		observability.EndSpan(span, err)
	}
}
