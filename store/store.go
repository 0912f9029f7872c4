// Package store is the durable state layer: workflow records, checkpoints,
// and short-lived locks over JetStream key-value buckets, plus the core NATS
// pub/sub channel carrying change notifications to the observer plane.
//
// Every workflow status transition goes through compare-and-swap on the
// record's revision. Readers other than the orchestrator treat values as
// opaque snapshots.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/crisislens/veriflow/workflow"
)

// Bucket names.
const (
	BucketWorkflows   = "VERIFLOW_WORKFLOWS"
	BucketCheckpoints = "VERIFLOW_CHECKPOINTS"
	BucketLocks       = "VERIFLOW_LOCKS"
)

// Key prefixes inside the buckets.
const (
	stateKeyPrefix = "state."
	srcKeyPrefix   = "src."
	leaseKeyPrefix = "lease."
)

// mutateMaxAttempts bounds optimistic-concurrency retries in Mutate before
// the caller sees ConsistencyLost.
const mutateMaxAttempts = 5

// Options configures Open.
type Options struct {
	// WorkflowTTL is the retention of workflow records and checkpoints.
	WorkflowTTL time.Duration
	// LeaseTTL is the retention of the locks bucket; owner leases and
	// source locks expire with it.
	LeaseTTL time.Duration
	Logger   *slog.Logger
}

// Store wraps the three KV buckets and the notification channel.
type Store struct {
	workflows   jetstream.KeyValue
	checkpoints jetstream.KeyValue
	locks       jetstream.KeyValue
	nc          *nats.Conn
	logger      *slog.Logger
}

// Open binds (creating if necessary) the KV buckets and returns the store.
func Open(ctx context.Context, js jetstream.JetStream, nc *nats.Conn, opts Options) (*Store, error) {
	if opts.WorkflowTTL <= 0 {
		opts.WorkflowTTL = 7 * 24 * time.Hour
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	workflows, err := ensureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      BucketWorkflows,
		Description: "Authoritative workflow state records",
		History:     1,
		TTL:         opts.WorkflowTTL,
	})
	if err != nil {
		return nil, err
	}
	checkpoints, err := ensureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      BucketCheckpoints,
		Description: "Per-node workflow checkpoints",
		History:     1,
		TTL:         opts.WorkflowTTL,
	})
	if err != nil {
		return nil, err
	}
	locks, err := ensureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      BucketLocks,
		Description: "Source dedup locks and orchestrator ownership leases",
		History:     1,
		TTL:         opts.LeaseTTL,
	})
	if err != nil {
		return nil, err
	}

	return &Store{
		workflows:   workflows,
		checkpoints: checkpoints,
		locks:       locks,
		nc:          nc,
		logger:      opts.Logger,
	}, nil
}

func ensureBucket(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	kv, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

func stateKey(workflowID string) string { return stateKeyPrefix + workflowID }

// keyToken sanitizes an external identifier into a valid KV key token.
// Workflow IDs are UUIDs and need no sanitizing; source IDs are arbitrary.
func keyToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.', r == '/', r == '=':
			return r
		}
		return '_'
	}, s)
}

// Get loads a workflow record. The returned record's Version mirrors the
// store revision, which is also the expected revision for the next CAS.
func (s *Store) Get(ctx context.Context, workflowID string) (*workflow.Workflow, error) {
	entry, err := s.workflows.Get(ctx, stateKey(workflowID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get workflow %s: %w", workflowID, err)
	}

	var wf workflow.Workflow
	if err := json.Unmarshal(entry.Value(), &wf); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", workflowID, err)
	}
	wf.Version = entry.Revision()
	return &wf, nil
}

// Create writes a new workflow record. Fails with ErrAlreadyExists when a
// record for this workflow ID is present, which is how duplicate deliveries
// collapse onto the existing workflow.
func (s *Store) Create(ctx context.Context, wf *workflow.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("encode workflow %s: %w", wf.WorkflowID, err)
	}
	rev, err := s.workflows.Create(ctx, stateKey(wf.WorkflowID), data)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create workflow %s: %w", wf.WorkflowID, err)
	}
	wf.Version = rev
	return nil
}

// Update CAS-writes a workflow record against the revision it was read at
// (wf.Version). On success wf.Version advances to the new revision.
func (s *Store) Update(ctx context.Context, wf *workflow.Workflow) error {
	expected := wf.Version
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("encode workflow %s: %w", wf.WorkflowID, err)
	}
	rev, err := s.workflows.Update(ctx, stateKey(wf.WorkflowID), data, expected)
	if err != nil {
		if isWrongSequence(err) {
			return ErrConflict
		}
		return fmt.Errorf("update workflow %s: %w", wf.WorkflowID, err)
	}
	wf.Version = rev
	return nil
}

// isWrongSequence detects a lost CAS. The KV API surfaces this as an API
// error with the wrong-last-sequence code.
func isWrongSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}

// Mutate applies fn to a fresh read of the workflow and CAS-writes the
// result, retrying the read-modify-write on conflict. After the attempt cap
// the caller gets a ConsistencyLost error and must treat its view as stale.
func (s *Store) Mutate(ctx context.Context, workflowID string, fn func(*workflow.Workflow) error) (*workflow.Workflow, error) {
	var lastErr error
	for attempt := 0; attempt < mutateMaxAttempts; attempt++ {
		wf, err := s.Get(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if err := fn(wf); err != nil {
			return nil, err
		}
		if err := s.Update(ctx, wf); err != nil {
			if errors.Is(err, ErrConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return wf, nil
	}
	return nil, workflow.Errorf(workflow.KindConsistencyLost,
		"workflow %s: CAS lost %d times: %w", workflowID, mutateMaxAttempts, lastErr)
}

// ListByStatus scans all workflow records and returns those in one of the
// given statuses. Used by recovery and the review queue; the scan is
// bucket-wide and intended for operational cardinalities.
func (s *Store) ListByStatus(ctx context.Context, statuses ...workflow.Status) ([]*workflow.Workflow, error) {
	want := make(map[workflow.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	keys, err := s.workflows.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	var out []*workflow.Workflow
	for _, key := range keys {
		if !strings.HasPrefix(key, stateKeyPrefix) {
			continue
		}
		wf, err := s.Get(ctx, strings.TrimPrefix(key, stateKeyPrefix))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if want[wf.Status] {
			out = append(out, wf)
		}
	}
	return out, nil
}

// PendingReviews returns the operator queue: workflows in AwaitingReview,
// oldest request first.
func (s *Store) PendingReviews(ctx context.Context) ([]workflow.ReviewTask, error) {
	parked, err := s.ListByStatus(ctx, workflow.StatusAwaitingReview)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tasks := make([]workflow.ReviewTask, 0, len(parked))
	for _, wf := range parked {
		if wf.Review == nil {
			continue
		}
		task := workflow.ReviewTask{
			WorkflowID:  wf.WorkflowID,
			SourceID:    wf.SourceID,
			Source:      wf.Source,
			RequestedAt: wf.Review.RequestedAt,
		}
		if wf.RiskScore != nil {
			task.RiskScore = *wf.RiskScore
		}
		if wf.Review.LeaseToken != "" && wf.Review.LeaseExpires.After(now) {
			task.Claimed = true
			task.ClaimedBy = wf.Review.LeaseHolder
		}
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].RequestedAt.Before(tasks[j].RequestedAt)
	})
	return tasks, nil
}

// NotifyEvent broadcasts a change notification on the workflow's core NATS
// subject. Fire-and-forget by contract: delivery is at-most-once and
// observers reconcile against the store on reconnect.
func (s *Store) NotifyEvent(event workflow.NotificationEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("encode notification", "workflow_id", event.WorkflowID, "error", err)
		return
	}
	if err := s.nc.Publish(workflow.NotifySubject(event.WorkflowID), data); err != nil {
		s.logger.Warn("notification publish failed",
			"workflow_id", event.WorkflowID, "type", string(event.Type), "error", err)
	}
}
