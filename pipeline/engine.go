package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crisislens/veriflow/bus"
	"github.com/crisislens/veriflow/collab"
	"github.com/crisislens/veriflow/config"
	"github.com/crisislens/veriflow/node"
	"github.com/crisislens/veriflow/store"
	"github.com/crisislens/veriflow/workflow"
)

var workflowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "veriflow",
	Subsystem: "pipeline",
	Name:      "workflows_total",
	Help:      "Workflows by outcome.",
}, []string{"outcome"})

// platformLanguages are the advisory publication languages. Translation
// targets every platform language except the item's own.
var platformLanguages = []string{"en", "es", "fr"}

// ErrTerminal is returned when an operation targets a workflow that already
// reached a terminal state.
var ErrTerminal = errors.New("pipeline: workflow is terminal")

// Engine drives workflows through the fixed DAG. One engine serves one
// orchestrator worker; it is single-flighted per workflow (the ownership
// lease enforces this across processes) but safe to run for many workflows
// concurrently.
type Engine struct {
	store   *store.Store
	gateway *bus.Gateway
	runtime *node.Runtime
	collab  *collab.Set
	cfg     *config.Config
	owner   string
	logger  *slog.Logger
}

// NewEngine wires an engine. owner identifies this orchestrator instance in
// leases and audit fields.
func NewEngine(st *store.Store, gw *bus.Gateway, rt *node.Runtime, set *collab.Set, cfg *config.Config, owner string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   st,
		gateway: gw,
		runtime: rt,
		collab:  set,
		cfg:     cfg,
		owner:   owner,
		logger:  logger,
	}
}

// Intake creates the workflow record for a raw item. The workflow ID is
// deterministic in source_id and the record write is create-only, so any
// redelivery collapses onto the existing workflow. Returns the workflow ID
// and whether this delivery created it.
func (e *Engine) Intake(ctx context.Context, item workflow.RawItem) (string, bool, error) {
	id := workflow.DeterministicID(item.SourceID)

	// The source lock only serializes concurrent first deliveries; the
	// durable dedup barrier is the create-only record below.
	won, err := e.store.ClaimSource(ctx, item.SourceID, id)
	if err != nil {
		return "", false, err
	}
	if !won {
		return id, false, nil
	}

	now := time.Now().UTC()
	wf := &workflow.Workflow{
		WorkflowID: id,
		SourceID:   item.SourceID,
		Source:     item.Source,
		Status:     workflow.StatusPending,
		RawItem:    item,
		CreatedAt:  now,
		UpdatedAt:  now,
		Deadline:   now.Add(e.cfg.Pipeline.WorkflowDeadline),
	}
	if err := e.store.Create(ctx, wf); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return id, false, nil
		}
		return "", false, err
	}
	return id, true, nil
}

// Run drives a workflow until it parks for review or reaches a terminal
// state. It holds the ownership lease for the duration; a second caller
// gets store.ErrLeaseHeld.
func (e *Engine) Run(ctx context.Context, workflowID string) error {
	if err := e.store.AcquireLease(ctx, workflowID, e.owner); err != nil {
		return err
	}
	defer func() {
		release := context.WithoutCancel(ctx)
		if err := e.store.ReleaseLease(release, workflowID, e.owner); err != nil {
			e.logger.Warn("lease release failed", "workflow_id", workflowID, "error", err)
		}
	}()

	stopRenewal := e.keepLeaseAlive(ctx, workflowID)
	defer stopRenewal()

	wf, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return err
	}

	switch wf.Status {
	case workflow.StatusPending:
		wf, err = e.claim(ctx, wf)
		if err != nil {
			return err
		}
		return e.loop(ctx, wf)
	case workflow.StatusRunning:
		// Recovery re-entry: continue from the current node.
		return e.loop(ctx, wf)
	case workflow.StatusResuming:
		return e.resume(ctx, wf)
	default:
		// Terminal or parked in review; nothing to drive.
		return nil
	}
}

// keepLeaseAlive renews the ownership lease at a third of its TTL until the
// returned stop function is called.
func (e *Engine) keepLeaseAlive(ctx context.Context, workflowID string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.cfg.Pipeline.OwnerLeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.store.RenewLease(ctx, workflowID, e.owner); err != nil {
					e.logger.Warn("lease renewal failed",
						"workflow_id", workflowID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (e *Engine) claim(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, error) {
	now := time.Now().UTC()
	updated, err := e.store.Mutate(ctx, wf.WorkflowID, func(w *workflow.Workflow) error {
		if !workflow.CanTransition(w.Status, workflow.StatusRunning) {
			return fmt.Errorf("claim: invalid transition %s -> running", w.Status)
		}
		w.Owner = e.owner
		w.CurrentNode = First()
		w.SetStatus(workflow.StatusRunning, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.notifyStatus(updated)
	return updated, nil
}

// loop executes top-level nodes until the workflow parks or terminates.
// Cancellation tombstones and the workflow deadline are observed at every
// node boundary.
func (e *Engine) loop(ctx context.Context, wf *workflow.Workflow) error {
	for wf.CurrentNode != "" {
		fresh, err := e.store.Get(ctx, wf.WorkflowID)
		if err != nil {
			return err
		}
		wf = fresh

		if wf.Status.Terminal() || wf.Status == workflow.StatusAwaitingReview {
			return nil
		}
		if wf.CancelRequested {
			_, err := e.finishCancelled(ctx, wf, mergedOutcome{})
			return err
		}
		if !wf.Deadline.IsZero() && time.Now().After(wf.Deadline) {
			merged := mergedOutcome{Errors: []workflow.NodeError{{
				Node:   wf.CurrentNode,
				Kind:   workflow.KindTimeout,
				Detail: "workflow deadline exceeded",
				At:     time.Now().UTC(),
			}}}
			_, err := e.finishFailed(ctx, wf, merged, workflow.KindTimeout)
			return err
		}

		switch n := wf.CurrentNode; n {
		case workflow.NodeNormalize:
			wf, err = e.stepNormalize(ctx, wf)
		case workflow.NodeEntityExtract:
			wf, err = e.stepEntities(ctx, wf)
		case workflow.NodeClaimExtract:
			wf, err = e.stepClaims(ctx, wf)
		case workflow.NodeVeracityAssess:
			wf, err = e.stepFanout(ctx, wf)
		case workflow.NodeRiskScore:
			wf, err = e.stepRisk(ctx, wf)
		case workflow.NodeDraftAdvisory:
			wf, err = e.stepDraft(ctx, wf)
		case workflow.NodeTranslate:
			wf, err = e.stepTranslate(ctx, wf)
		case workflow.NodePublish:
			wf, err = e.stepPublish(ctx, wf)
		default:
			return fmt.Errorf("pipeline: unknown node %q", n)
		}
		if err != nil {
			return err
		}
		if wf.Status != workflow.StatusRunning {
			return nil
		}
	}
	return nil
}

// mergedOutcome aggregates runtime outcomes for one top-level node,
// including per-claim outcomes from the fan-out region.
type mergedOutcome struct {
	Errors  []workflow.NodeError
	Retries map[workflow.Node]int
}

func outcomeOf(n workflow.Node, out node.Outcome) mergedOutcome {
	m := mergedOutcome{Errors: out.Errors}
	if out.Retries > 0 {
		m.Retries = map[workflow.Node]int{n: out.Retries}
	}
	return m
}

func (m mergedOutcome) applyTo(w *workflow.Workflow) {
	for _, e := range m.Errors {
		w.RecordError(e)
	}
	for n, r := range m.Retries {
		for i := 0; i < r; i++ {
			w.IncrRetry(n)
		}
	}
}

// step runs one simple node: execute the collaborator under the runtime,
// then commit its output fragment. exec returns an apply function writing
// the fragment so retried attempts never half-write state.
func (e *Engine) step(ctx context.Context, wf *workflow.Workflow, n workflow.Node, exec func(context.Context, *workflow.Workflow) (func(*workflow.Workflow) error, error)) (*workflow.Workflow, error) {
	var apply func(*workflow.Workflow) error
	out := e.runtime.Run(ctx, n, e.cfg.NodeTimeout(n), func(attemptCtx context.Context) error {
		a, err := exec(attemptCtx, wf)
		if err != nil {
			return err
		}
		apply = a
		return nil
	})
	if out.Err != nil {
		return e.failNode(ctx, wf, outcomeOf(n, out), out.Err.Kind)
	}
	return e.commit(ctx, wf, n, outcomeOf(n, out), apply)
}

// commit CAS-writes the node's output and transition, checkpoints the node,
// and announces the change. The inbound message may only be acknowledged
// after the checkpoint write this performs.
func (e *Engine) commit(ctx context.Context, wf *workflow.Workflow, n workflow.Node, merged mergedOutcome, apply func(*workflow.Workflow) error) (*workflow.Workflow, error) {
	now := time.Now().UTC()
	next := Next(n)

	updated, err := e.store.Mutate(ctx, wf.WorkflowID, func(w *workflow.Workflow) error {
		merged.applyTo(w)
		if apply != nil {
			if err := apply(w); err != nil {
				return err
			}
		}
		w.CurrentNode = next
		w.SetStatus(workflow.StatusRunning, now)
		return nil
	})
	if err != nil {
		return e.failStore(ctx, wf, err)
	}

	if err := e.checkpoint(ctx, updated, n, now); err != nil {
		return nil, err
	}
	e.notifyStatus(updated)
	return updated, nil
}

func (e *Engine) checkpoint(ctx context.Context, wf *workflow.Workflow, n workflow.Node, now time.Time) error {
	return e.store.PutCheckpoint(ctx, &workflow.Checkpoint{
		WorkflowID: wf.WorkflowID,
		Node:       n,
		Attempt:    wf.RetryCounts[n] + 1,
		Snapshot:   wf,
		At:         now,
	})
}

func (e *Engine) notifyStatus(wf *workflow.Workflow) {
	payload, _ := json.Marshal(map[string]any{
		"status":       wf.Status,
		"current_node": wf.CurrentNode,
	})
	e.store.NotifyEvent(workflow.NotificationEvent{
		Type:       workflow.EventStatusChanged,
		WorkflowID: wf.WorkflowID,
		Payload:    payload,
		At:         time.Now().UTC(),
	})
}

// failNode lands a node failure on its terminal disposition.
func (e *Engine) failNode(ctx context.Context, wf *workflow.Workflow, merged mergedOutcome, kind workflow.Kind) (*workflow.Workflow, error) {
	if kind == workflow.KindCancelled {
		return e.finishCancelled(ctx, wf, merged)
	}
	return e.finishFailed(ctx, wf, merged, kind)
}

// failStore handles a lost CAS. ConsistencyLost means this engine's view is
// stale beyond repair; mark the workflow failed best-effort and alert.
func (e *Engine) failStore(ctx context.Context, wf *workflow.Workflow, err error) (*workflow.Workflow, error) {
	if workflow.KindOf(err) != workflow.KindConsistencyLost {
		return nil, err
	}
	merged := mergedOutcome{Errors: []workflow.NodeError{{
		Node:   wf.CurrentNode,
		Kind:   workflow.KindConsistencyLost,
		Detail: err.Error(),
		At:     time.Now().UTC(),
	}}}
	return e.finishFailed(ctx, wf, merged, workflow.KindConsistencyLost)
}

func (e *Engine) finishFailed(ctx context.Context, wf *workflow.Workflow, merged mergedOutcome, kind workflow.Kind) (*workflow.Workflow, error) {
	now := time.Now().UTC()
	updated, err := e.store.Mutate(ctx, wf.WorkflowID, func(w *workflow.Workflow) error {
		merged.applyTo(w)
		w.SetStatus(workflow.StatusFailed, now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark workflow %s failed: %w", wf.WorkflowID, err)
	}
	workflowsTotal.WithLabelValues("failed").Inc()

	e.store.NotifyEvent(workflow.NotificationEvent{
		Type:       workflow.EventFailed,
		WorkflowID: wf.WorkflowID,
		Payload:    mustJSON(map[string]any{"kind": kind}),
		At:         now,
	})
	e.publishAlert(ctx, bus.Alert{
		WorkflowID: wf.WorkflowID,
		Kind:       bus.AlertWorkflowFailed,
		Severity:   bus.SeverityCritical,
		Summary:    fmt.Sprintf("workflow failed: %s", kind),
		At:         now,
	})
	e.publishMilestone(ctx, updated, workflow.EventFailed)
	return updated, nil
}

func (e *Engine) finishCancelled(ctx context.Context, wf *workflow.Workflow, merged mergedOutcome) (*workflow.Workflow, error) {
	now := time.Now().UTC()
	updated, err := e.store.Mutate(ctx, wf.WorkflowID, func(w *workflow.Workflow) error {
		merged.applyTo(w)
		w.SetStatus(workflow.StatusCancelled, now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark workflow %s cancelled: %w", wf.WorkflowID, err)
	}
	workflowsTotal.WithLabelValues("cancelled").Inc()
	e.notifyStatus(updated)
	e.publishMilestone(ctx, updated, workflow.EventStatusChanged)
	return updated, nil
}

// errDeadLetterSkip marks a workflow that a dead-letter failure must leave
// untouched: terminal workflows are settled, and a parked review's message
// was acknowledged long before any redelivery could exhaust the cap.
var errDeadLetterSkip = errors.New("pipeline: workflow not eligible for dead-letter failure")

// FailForDeadLetter marks the workflow backing a dead-lettered message as
// Failed, recording the delivery exhaustion in its error trail. Unknown,
// terminal, and AwaitingReview workflows are left untouched. A Pending or
// Resuming workflow passes through Running so its audit trail stays a valid
// state machine path.
func (e *Engine) FailForDeadLetter(ctx context.Context, workflowID, detail string) error {
	now := time.Now().UTC()
	updated, err := e.store.Mutate(ctx, workflowID, func(w *workflow.Workflow) error {
		if w.Status.Terminal() || w.Status == workflow.StatusAwaitingReview {
			return errDeadLetterSkip
		}
		if !workflow.CanTransition(w.Status, workflow.StatusFailed) {
			w.SetStatus(workflow.StatusRunning, now)
		}
		w.RecordError(workflow.NodeError{
			Node:   w.CurrentNode,
			Kind:   workflow.KindRetryable,
			Detail: detail,
			At:     now,
		})
		w.SetStatus(workflow.StatusFailed, now)
		return nil
	})
	if err != nil {
		if errors.Is(err, errDeadLetterSkip) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("mark dead-lettered workflow %s failed: %w", workflowID, err)
	}
	workflowsTotal.WithLabelValues("failed").Inc()

	e.store.NotifyEvent(workflow.NotificationEvent{
		Type:       workflow.EventFailed,
		WorkflowID: workflowID,
		Payload:    mustJSON(map[string]any{"kind": workflow.KindRetryable}),
		At:         now,
	})
	e.publishAlert(ctx, bus.Alert{
		WorkflowID: workflowID,
		Kind:       bus.AlertWorkflowFailed,
		Severity:   bus.SeverityCritical,
		Summary:    fmt.Sprintf("workflow failed: %s", detail),
		At:         now,
	})
	e.publishMilestone(ctx, updated, workflow.EventFailed)
	return nil
}

func (e *Engine) finishCompleted(ctx context.Context, wf *workflow.Workflow) {
	workflowsTotal.WithLabelValues("completed").Inc()
	e.store.NotifyEvent(workflow.NotificationEvent{
		Type:       workflow.EventCompleted,
		WorkflowID: wf.WorkflowID,
		At:         time.Now().UTC(),
	})
	e.publishMilestone(ctx, wf, workflow.EventCompleted)
}

// publishMilestone emits the user-visible terminal event on the
// notifications stream, keyed by workflow so redeliveries of other items
// never interleave with it.
func (e *Engine) publishMilestone(ctx context.Context, wf *workflow.Workflow, typ workflow.EventType) {
	event := workflow.NotificationEvent{
		Type:       typ,
		WorkflowID: wf.WorkflowID,
		Payload:    mustJSON(map[string]any{"status": wf.Status}),
		At:         time.Now().UTC(),
	}
	if err := e.gateway.PublishNotification(ctx, wf.WorkflowID, event); err != nil {
		e.logger.Warn("milestone publish failed", "workflow_id", wf.WorkflowID, "error", err)
	}
}

func (e *Engine) publishAlert(ctx context.Context, a bus.Alert) {
	if err := e.gateway.PublishAlert(ctx, a); err != nil {
		e.logger.Warn("alert publish failed", "workflow_id", a.WorkflowID, "error", err)
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// fragmentOf decodes a node's stored result fragment.
func fragmentOf[T any](wf *workflow.Workflow, n workflow.Node) (T, error) {
	var v T
	raw, ok := wf.Results[n]
	if !ok {
		return v, workflow.Errorf(workflow.KindValidation, "missing %s result", n)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, workflow.Errorf(workflow.KindSerialization, "decode %s result: %v", n, err)
	}
	return v, nil
}
