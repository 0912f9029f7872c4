package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/crisislens/veriflow/workflow"
)

// checkpointKey is {workflow_id}.{node}. One checkpoint per node per
// workflow; a re-run of the same node overwrites its slot.
func checkpointKey(workflowID string, node workflow.Node) string {
	return workflowID + "." + string(node)
}

// PutCheckpoint durably records a node completion. The inbound offset
// commit and any transition announcement must happen only after this
// returns.
func (s *Store) PutCheckpoint(ctx context.Context, cp *workflow.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s/%s: %w", cp.WorkflowID, cp.Node, err)
	}
	if _, err := s.checkpoints.Put(ctx, checkpointKey(cp.WorkflowID, cp.Node), data); err != nil {
		return fmt.Errorf("put checkpoint %s/%s: %w", cp.WorkflowID, cp.Node, err)
	}
	return nil
}

// GetCheckpoint loads the checkpoint for one node.
func (s *Store) GetCheckpoint(ctx context.Context, workflowID string, node workflow.Node) (*workflow.Checkpoint, error) {
	entry, err := s.checkpoints.Get(ctx, checkpointKey(workflowID, node))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("get checkpoint %s/%s: %w", workflowID, node, err)
	}
	var cp workflow.Checkpoint
	if err := json.Unmarshal(entry.Value(), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s/%s: %w", workflowID, node, err)
	}
	return &cp, nil
}

// LatestCheckpoint returns the most recent checkpoint for a workflow, or
// ErrNoCheckpoint. Recovery resumes from the node after it.
func (s *Store) LatestCheckpoint(ctx context.Context, workflowID string) (*workflow.Checkpoint, error) {
	keys, err := s.checkpoints.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	prefix := workflowID + "."
	var latest *workflow.Checkpoint
	for _, key := range keys {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		entry, err := s.checkpoints.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get checkpoint %s: %w", key, err)
		}
		var cp workflow.Checkpoint
		if err := json.Unmarshal(entry.Value(), &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", key, err)
		}
		if latest == nil || cp.At.After(latest.At) {
			latest = &cp
		}
	}
	if latest == nil {
		return nil, ErrNoCheckpoint
	}
	return latest, nil
}
