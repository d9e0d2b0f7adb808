// Package runtime implements the two cooperative primitives every stage
// boundary inside the orchestrator, domain leader, and specialist call
// before doing work: the pause/stop checkpoint and budget headroom
// enforcement (spec.md §4.5).
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/antigravity-dev/aop/internal/audit"
	"github.com/antigravity-dev/aop/internal/budget"
	"github.com/antigravity-dev/aop/internal/store"
)

// checkpointPoll is how long Checkpoint sleeps between re-reads of a
// paused task, per spec.md §4.5 ("sleep ~350 ms then re-read").
const checkpointPoll = 350 * time.Millisecond

// ErrTaskFailed is returned by Checkpoint when the task's current status is
// failed; the error wraps the task's stored error message.
var ErrTaskFailed = fmt.Errorf("task failed")

// ErrTaskCompleted is returned by Checkpoint when the task has already
// completed; continuing work against it is refused.
var ErrTaskCompleted = fmt.Errorf("task already completed")

// Runtime bundles the store and audit recorder the cooperative primitives
// need.
type Runtime struct {
	store  *store.Store
	audit  *audit.Recorder
	budget *budget.Service
}

// New builds a Runtime.
func New(s *store.Store, a *audit.Recorder, b *budget.Service) *Runtime {
	return &Runtime{store: s, audit: a, budget: b}
}

// Checkpoint implements spec.md §4.5's cooperative checkpoint: it blocks
// while the task is paused, errors if the task has failed or completed, and
// otherwise returns so the caller can proceed. It is the sole
// cancellation/pause mechanism in the system.
func (r *Runtime) Checkpoint(ctx context.Context, taskID string) error {
	observedPause := false
	for {
		task, err := r.store.GetTaskByID(taskID)
		if err != nil {
			return fmt.Errorf("runtime: checkpoint: %w", err)
		}

		switch task.Status {
		case store.TaskPaused:
			if !observedPause {
				r.audit.Record(taskID, "paused_observed", "checkpoint detected paused status")
				observedPause = true
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(checkpointPoll):
			}
			continue

		case store.TaskFailed:
			msg := "task failed"
			if task.ErrorMessage != nil {
				msg = *task.ErrorMessage
			}
			return fmt.Errorf("runtime: checkpoint: %w: %s", ErrTaskFailed, msg)

		case store.TaskCompleted:
			return ErrTaskCompleted

		default:
			if observedPause {
				r.audit.Record(taskID, "resumed", "checkpoint observed task leave paused status")
			}
			return nil
		}
	}
}

// EnsureBudgetHeadroom implements spec.md §4.5's headroom enforcement: if
// the task's remaining budget is below max(required, budget*headroom%), a
// budget request is opened for at least the deficit, 25% of the current
// budget, or the configured minimum increment, whichever is largest. The
// task continues regardless of whether the request auto-approves — a
// pending request never blocks the caller.
func (r *Runtime) EnsureBudgetHeadroom(taskID string, required int, thresholds budget.Thresholds) error {
	task, err := r.store.GetTaskByID(taskID)
	if err != nil {
		return fmt.Errorf("runtime: ensure budget headroom: %w", err)
	}

	remaining := task.TokenBudget - task.TokenUsage
	floor := required
	if byPercent := int(float64(task.TokenBudget) * thresholds.HeadroomPercent); byPercent > floor {
		floor = byPercent
	}
	if remaining >= floor {
		return nil
	}

	deficit := floor - remaining
	suggested := deficit
	if quarter := task.TokenBudget / 4; quarter > suggested {
		suggested = quarter
	}
	if thresholds.MinIncrement > suggested {
		suggested = thresholds.MinIncrement
	}

	br, err := r.budget.Request(store.CreateBudgetRequestInput{
		TaskID:             taskID,
		Requester:          "runtime_headroom_check",
		Reason:             "insufficient budget headroom for upcoming work",
		RequestedIncrement: suggested,
	})
	if err != nil {
		return fmt.Errorf("runtime: ensure budget headroom: %w", err)
	}
	r.audit.Record(taskID, "budget_headroom_request", fmt.Sprintf("requested=%d status=%s", suggested, br.Status))
	return nil
}
