// Package workflow defines the verification workflow data model: the durable
// Workflow record, its status state machine, the pipeline node set, and the
// typed events broadcast on every state transition.
package workflow

import (
	"encoding/json"
	"time"
)

// Node identifies one stage of the fixed verification pipeline.
type Node string

// The closed pipeline node set. The DAG is fixed; routing switches over
// these values exhaustively rather than dispatching by registry lookup.
const (
	NodeNormalize        Node = "normalize"
	NodeEntityExtract    Node = "entity"
	NodeClaimExtract     Node = "claims"
	NodeTopicAssign      Node = "topic"
	NodeEvidenceRetrieve Node = "evidence"
	NodeVeracityAssess   Node = "veracity"
	NodeRiskScore        Node = "risk"
	NodeDraftAdvisory    Node = "draft"
	NodeTranslate        Node = "translate"
	NodePublish          Node = "publish"
)

// RawItem is the immutable inbound work unit produced by ingestion.
// source_id is stable across redeliveries and keys deduplication.
type RawItem struct {
	SourceID   string          `json:"source_id"`
	Source     string          `json:"source"`
	Payload    json.RawMessage `json:"payload"`
	IngestedAt time.Time       `json:"ingested_at"`
}

// NormalizedItem is the normalize node's output fragment.
type NormalizedItem struct {
	Title    string `json:"title,omitempty"`
	Text     string `json:"text"`
	Language string `json:"language"`
	Source   string `json:"source,omitempty"`
}

// Entity is a named entity extracted from the normalized text.
type Entity struct {
	Text string `json:"text"`
	Kind string `json:"kind,omitempty"`
}

// Claim is a checkable assertion extracted from the item. Claims are owned
// by their parent Workflow and processed by the per-claim sub-pipeline.
type Claim struct {
	ClaimID string `json:"claim_id"`
	Text    string `json:"text"`
	Span    [2]int `json:"span"`
}

// Evidence is a supporting or refuting snippet retrieved for a claim.
type Evidence struct {
	Source  string `json:"source"`
	Snippet string `json:"snippet"`
	URL     string `json:"url,omitempty"`
}

// ClaimResult is the merged output of one claim's sub-pipeline. Results are
// kept in claim-extraction order; a failed claim records its error and
// leaves the remaining fields zero.
type ClaimResult struct {
	ClaimID  string     `json:"claim_id"`
	Topics   []string   `json:"topics,omitempty"`
	Evidence []Evidence `json:"evidence,omitempty"`
	Veracity float64    `json:"veracity"`
	Failed   bool       `json:"failed,omitempty"`
	Error    *NodeError `json:"error,omitempty"`
}

// Advisory is the drafted public advisory produced for a verified item.
type Advisory struct {
	Headline     string            `json:"headline"`
	Body         string            `json:"body"`
	Severity     string            `json:"severity"`
	Translations map[string]string `json:"translations,omitempty"`
}

// NodeError is one entry of the workflow's append-only error list.
type NodeError struct {
	Node    Node      `json:"node"`
	Kind    Kind      `json:"kind"`
	Detail  string    `json:"detail"`
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
}

// ReviewDecision is an operator verdict on a high-risk workflow.
type ReviewDecision string

const (
	DecisionApprove            ReviewDecision = "approve"
	DecisionReject             ReviewDecision = "reject"
	DecisionNeedsInvestigation ReviewDecision = "needs_investigation"
)

// Review records the human-review lifecycle of a high-risk workflow.
type Review struct {
	RequestedAt time.Time      `json:"requested_at"`
	Decision    ReviewDecision `json:"decision,omitempty"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	DecidedAt   time.Time      `json:"decided_at,omitempty"`
	Feedback    string         `json:"feedback,omitempty"`

	// Lease guards against double-decision: claim review sets it, decide
	// validates it. Cleared when the decision lands.
	LeaseToken   string    `json:"lease_token,omitempty"`
	LeaseHolder  string    `json:"lease_holder,omitempty"`
	LeaseExpires time.Time `json:"lease_expires,omitempty"`
}

// StatusChange is one entry of the workflow's transition audit trail.
type StatusChange struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// Workflow is the central durable record tracking one RawItem through the
// pipeline. The Orchestrator exclusively owns its authoritative mutation;
// every write goes through CAS on the store revision.
type Workflow struct {
	// Version is the first field of the serialized record by contract.
	// It mirrors the store revision at the time of the last write.
	Version uint64 `json:"version"`

	WorkflowID string `json:"workflow_id"`
	SourceID   string `json:"source_id"`
	Source     string `json:"source,omitempty"`

	Status      Status `json:"status"`
	CurrentNode Node   `json:"current_node,omitempty"`

	RawItem RawItem `json:"raw_item"`

	// Results maps node name to its output fragment. A node writes its
	// full fragment exactly once per successful run.
	Results map[Node]json.RawMessage `json:"results,omitempty"`

	Claims       []Claim       `json:"claims,omitempty"`
	ClaimResults []ClaimResult `json:"claim_results,omitempty"`

	Errors      []NodeError  `json:"errors,omitempty"`
	RetryCounts map[Node]int `json:"retry_counts,omitempty"`

	RiskScore *float64 `json:"risk_score,omitempty"`
	Review    *Review  `json:"review,omitempty"`

	// CancelRequested is the cancellation tombstone; node runtimes observe
	// it at node boundaries.
	CancelRequested bool   `json:"cancel_requested,omitempty"`
	Owner           string `json:"owner,omitempty"`

	StatusChanges []StatusChange `json:"status_changes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Deadline  time.Time `json:"deadline,omitempty"`
}

// SetStatus applies a transition and records it in the audit trail.
// Callers must have validated the transition with CanTransition.
func (w *Workflow) SetStatus(to Status, now time.Time) {
	w.StatusChanges = append(w.StatusChanges, StatusChange{From: w.Status, To: to, At: now})
	w.Status = to
	w.UpdatedAt = now
}

// SetResult writes a node's output fragment.
func (w *Workflow) SetResult(n Node, fragment any) error {
	data, err := json.Marshal(fragment)
	if err != nil {
		return WrapKind(KindValidation, err)
	}
	if w.Results == nil {
		w.Results = make(map[Node]json.RawMessage)
	}
	w.Results[n] = data
	return nil
}

// HasResult reports whether node n has completed successfully.
func (w *Workflow) HasResult(n Node) bool {
	_, ok := w.Results[n]
	return ok
}

// RecordError appends to the append-only error list.
func (w *Workflow) RecordError(e NodeError) {
	w.Errors = append(w.Errors, e)
}

// IncrRetry bumps the retry counter for node n and returns the new count.
// Counted per actual retry, not per attempt, so a node that succeeds first
// time leaves no entry.
func (w *Workflow) IncrRetry(n Node) int {
	if w.RetryCounts == nil {
		w.RetryCounts = make(map[Node]int)
	}
	w.RetryCounts[n]++
	return w.RetryCounts[n]
}

// Checkpoint is the durable record of a node's completion, sufficient to
// resume the workflow from the next node. Written synchronously before the
// transition is announced.
type Checkpoint struct {
	WorkflowID string    `json:"workflow_id"`
	Node       Node      `json:"node"`
	Attempt    int       `json:"attempt"`
	Snapshot   *Workflow `json:"snapshot"`
	At         time.Time `json:"at"`
}

// ReviewTask is an operator-facing view over a workflow in AwaitingReview.
// It never duplicates authoritative state.
type ReviewTask struct {
	WorkflowID  string    `json:"workflow_id"`
	SourceID    string    `json:"source_id"`
	Source      string    `json:"source,omitempty"`
	RiskScore   float64   `json:"risk_score"`
	RequestedAt time.Time `json:"requested_at"`
	Claimed     bool      `json:"claimed"`
	ClaimedBy   string    `json:"claimed_by,omitempty"`
}
