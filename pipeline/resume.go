package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crisislens/veriflow/store"
	"github.com/crisislens/veriflow/workflow"
)

// resume applies an operator decision to a Resuming workflow. approve
// continues the pipeline from drafting; reject completes with no downstream
// publish; needs_investigation cancels pending human action elsewhere.
func (e *Engine) resume(ctx context.Context, wf *workflow.Workflow) error {
	if wf.Review == nil || wf.Review.Decision == "" {
		return fmt.Errorf("pipeline: workflow %s is resuming without a decision", wf.WorkflowID)
	}
	now := time.Now().UTC()

	switch wf.Review.Decision {
	case workflow.DecisionApprove:
		updated, err := e.store.Mutate(ctx, wf.WorkflowID, func(w *workflow.Workflow) error {
			// Time parked in review does not count against the
			// workflow deadline.
			if !w.Deadline.IsZero() && w.Review != nil && !w.Review.DecidedAt.IsZero() {
				w.Deadline = w.Deadline.Add(w.Review.DecidedAt.Sub(w.Review.RequestedAt))
			}
			w.SetStatus(workflow.StatusRunning, now)
			return nil
		})
		if err != nil {
			return err
		}
		e.notifyStatus(updated)
		return e.loop(ctx, updated)

	case workflow.DecisionReject:
		updated, err := e.store.Mutate(ctx, wf.WorkflowID, func(w *workflow.Workflow) error {
			w.CurrentNode = ""
			w.SetStatus(workflow.StatusCompleted, now)
			return nil
		})
		if err != nil {
			return err
		}
		workflowsTotal.WithLabelValues("rejected").Inc()
		e.store.NotifyEvent(workflow.NotificationEvent{
			Type:       workflow.EventCompleted,
			WorkflowID: updated.WorkflowID,
			Payload:    mustJSON(map[string]any{"decision": workflow.DecisionReject}),
			At:         now,
		})
		e.publishMilestone(ctx, updated, workflow.EventCompleted)
		return nil

	case workflow.DecisionNeedsInvestigation:
		updated, err := e.store.Mutate(ctx, wf.WorkflowID, func(w *workflow.Workflow) error {
			w.CurrentNode = ""
			w.SetStatus(workflow.StatusCancelled, now)
			return nil
		})
		if err != nil {
			return err
		}
		workflowsTotal.WithLabelValues("cancelled").Inc()
		e.notifyStatus(updated)
		e.publishMilestone(ctx, updated, workflow.EventStatusChanged)
		return nil
	}
	return fmt.Errorf("pipeline: unknown review decision %q", wf.Review.Decision)
}

// Recover finds in-flight workflows without a live owner lease and drives
// each from its last durable position. Returns how many were taken over.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	inflight, err := e.store.ListByStatus(ctx, workflow.StatusRunning, workflow.StatusResuming)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, wf := range inflight {
		if _, err := e.store.LeaseHolder(ctx, wf.WorkflowID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return recovered, err
		}

		if wf.CurrentNode == "" && wf.Status == workflow.StatusRunning {
			// The state write raced a crash; fall back to the
			// checkpoint and resume from the node after it.
			next := First()
			if cp, err := e.store.LatestCheckpoint(ctx, wf.WorkflowID); err == nil {
				next = Next(cp.Node)
			}
			if _, err := e.store.Mutate(ctx, wf.WorkflowID, func(w *workflow.Workflow) error {
				w.CurrentNode = next
				return nil
			}); err != nil {
				return recovered, err
			}
		}

		e.logger.Info("recovering orphaned workflow",
			"workflow_id", wf.WorkflowID, "status", string(wf.Status), "node", string(wf.CurrentNode))
		if err := e.Run(ctx, wf.WorkflowID); err != nil {
			if errors.Is(err, store.ErrLeaseHeld) {
				continue
			}
			e.logger.Error("recovery run failed", "workflow_id", wf.WorkflowID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// RequestCancel writes the cancellation tombstone. Pending and
// AwaitingReview workflows cancel immediately; Running ones observe the
// tombstone at their next node boundary; terminal ones reject with
// ErrTerminal.
func RequestCancel(ctx context.Context, st *store.Store, workflowID string) (*workflow.Workflow, error) {
	now := time.Now().UTC()
	updated, err := st.Mutate(ctx, workflowID, func(w *workflow.Workflow) error {
		if w.Status.Terminal() {
			return ErrTerminal
		}
		w.CancelRequested = true
		if w.Status == workflow.StatusPending || w.Status == workflow.StatusAwaitingReview {
			w.CurrentNode = ""
			w.SetStatus(workflow.StatusCancelled, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated.Status == workflow.StatusCancelled {
		st.NotifyEvent(workflow.NotificationEvent{
			Type:       workflow.EventStatusChanged,
			WorkflowID: updated.WorkflowID,
			Payload:    mustJSON(map[string]any{"status": updated.Status}),
			At:         now,
		})
	}
	return updated, nil
}
