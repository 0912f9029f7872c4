package review

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/crisislens/veriflow/pipeline"
	"github.com/crisislens/veriflow/store"
	"github.com/crisislens/veriflow/workflow"
)

// Claim and decision conflicts all map to 409: the queue the operator saw is
// stale and they should refresh.
var (
	errNotAwaiting  = errors.New("workflow is not awaiting review")
	errLeaseHeld    = errors.New("review is claimed by another operator")
	errLeaseInvalid = errors.New("review lease is invalid or expired")
)

func (c *Component) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /reviews", c.handleListReviews)
	mux.HandleFunc("POST /reviews/{id}/claim", c.handleClaim)
	mux.HandleFunc("POST /reviews/{id}/decide", c.handleDecide)
	mux.HandleFunc("GET /workflows/{id}", c.handleGetWorkflow)
	mux.HandleFunc("POST /workflows/{id}/cancel", c.handleCancel)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already out; nothing useful left to do.
		_ = err
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleListReviews serves the operator queue, oldest request first.
func (c *Component) handleListReviews(w http.ResponseWriter, r *http.Request) {
	tasks, err := c.store.PendingReviews(r.Context())
	if err != nil {
		c.logger.Error("List reviews failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list reviews")
		return
	}
	if tasks == nil {
		tasks = []workflow.ReviewTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": tasks})
}

type claimRequest struct {
	Operator string `json:"operator"`
}

type claimResponse struct {
	WorkflowID   string    `json:"workflow_id"`
	LeaseToken   string    `json:"lease_token"`
	LeaseExpires time.Time `json:"lease_expires"`
}

// handleClaim issues a time-bounded lease on a review task. Re-claiming by
// the same operator refreshes the lease; a live lease held by someone else
// conflicts.
func (c *Component) handleClaim(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Operator == "" {
		writeError(w, http.StatusBadRequest, "operator is required")
		return
	}

	now := time.Now().UTC()
	var token string
	updated, err := c.store.Mutate(r.Context(), id, func(wf *workflow.Workflow) error {
		if wf.Status != workflow.StatusAwaitingReview || wf.Review == nil {
			return errNotAwaiting
		}
		if wf.Review.LeaseToken != "" && wf.Review.LeaseExpires.After(now) && wf.Review.LeaseHolder != req.Operator {
			return errLeaseHeld
		}
		token = uuid.NewString()
		wf.Review.LeaseToken = token
		wf.Review.LeaseHolder = req.Operator
		wf.Review.LeaseExpires = now.Add(c.config.LeaseTTL())
		return nil
	})
	if err != nil {
		c.respondMutateError(w, id, err)
		return
	}

	atomic.AddInt64(&c.claimsIssued, 1)
	c.touch()
	writeJSON(w, http.StatusOK, claimResponse{
		WorkflowID:   id,
		LeaseToken:   token,
		LeaseExpires: updated.Review.LeaseExpires,
	})
}

type decideRequest struct {
	Operator   string                  `json:"operator"`
	Decision   workflow.ReviewDecision `json:"decision"`
	LeaseToken string                  `json:"lease_token,omitempty"`
	Feedback   string                  `json:"feedback,omitempty"`
}

// handleDecide records the operator verdict and moves the workflow to
// Resuming. The pipeline owns what happens next; this handler only signals
// orchestrators that a decision landed.
//
// Claiming first is optional: the lease exists to arbitrate between
// competing operators, not to gate the decision itself. A decision on an
// unclaimed task is accepted as-is; once any live lease exists, only its
// token decides.
func (c *Component) handleDecide(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Operator == "" {
		writeError(w, http.StatusBadRequest, "operator is required")
		return
	}
	switch req.Decision {
	case workflow.DecisionApprove, workflow.DecisionReject, workflow.DecisionNeedsInvestigation:
	default:
		writeError(w, http.StatusBadRequest, "decision must be approve, reject, or needs_investigation")
		return
	}

	now := time.Now().UTC()
	updated, err := c.store.Mutate(r.Context(), id, func(wf *workflow.Workflow) error {
		if wf.Status != workflow.StatusAwaitingReview || wf.Review == nil {
			return errNotAwaiting
		}
		if wf.Review.LeaseToken != "" {
			if req.LeaseToken != wf.Review.LeaseToken || now.After(wf.Review.LeaseExpires) {
				return errLeaseInvalid
			}
		}
		wf.Review.Decision = req.Decision
		wf.Review.DecidedBy = req.Operator
		wf.Review.DecidedAt = now
		wf.Review.Feedback = req.Feedback
		wf.Review.LeaseToken = ""
		wf.Review.LeaseHolder = ""
		wf.Review.LeaseExpires = time.Time{}
		wf.SetStatus(workflow.StatusResuming, now)
		return nil
	})
	if err != nil {
		c.respondMutateError(w, id, err)
		return
	}

	c.announceDecision(updated, now)
	atomic.AddInt64(&c.decisionsRecorded, 1)
	c.touch()

	c.remindedMu.Lock()
	delete(c.reminded, id)
	c.remindedMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": id,
		"status":      updated.Status,
		"decision":    req.Decision,
	})
}

// announceDecision signals orchestrators and observers. Both channels are
// fire-and-forget: the Resuming status in the store is the durable truth and
// startup recovery picks it up even if these messages are lost.
func (c *Component) announceDecision(wf *workflow.Workflow, now time.Time) {
	event := workflow.ReviewDecidedEvent{
		WorkflowID: wf.WorkflowID,
		Decision:   wf.Review.Decision,
		DecidedBy:  wf.Review.DecidedBy,
		At:         now,
	}
	data, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("Encode decision event failed", "workflow_id", wf.WorkflowID, "error", err)
		return
	}
	if err := c.natsClient.GetConnection().Publish(workflow.ReviewDecidedSubject, data); err != nil {
		c.logger.Warn("Decision signal publish failed", "workflow_id", wf.WorkflowID, "error", err)
	}

	c.store.NotifyEvent(workflow.NotificationEvent{
		Type:       workflow.EventReviewDecided,
		WorkflowID: wf.WorkflowID,
		Payload:    data,
		At:         now,
	})
}

// handleGetWorkflow serves the full workflow record for operator inspection.
func (c *Component) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, err := c.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		c.logger.Error("Get workflow failed", "workflow_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load workflow")
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleCancel writes the cancellation tombstone.
func (c *Component) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, err := pipeline.RequestCancel(r.Context(), c.store, id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "workflow not found")
		case errors.Is(err, pipeline.ErrTerminal):
			writeError(w, http.StatusConflict, "workflow already reached a terminal state")
		default:
			c.logger.Error("Cancel failed", "workflow_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to cancel workflow")
		}
		return
	}
	c.touch()
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id":      id,
		"status":           wf.Status,
		"cancel_requested": wf.CancelRequested,
	})
}

func (c *Component) respondMutateError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "workflow not found")
	case errors.Is(err, errNotAwaiting):
		writeError(w, http.StatusConflict, errNotAwaiting.Error())
	case errors.Is(err, errLeaseHeld):
		writeError(w, http.StatusConflict, errLeaseHeld.Error())
	case errors.Is(err, errLeaseInvalid):
		writeError(w, http.StatusConflict, errLeaseInvalid.Error())
	default:
		c.logger.Error("Review mutation failed", "workflow_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update workflow")
	}
}

func (c *Component) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}
