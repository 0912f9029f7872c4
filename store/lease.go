package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// lease is the stored ownership record. Expiry is enforced by the locks
// bucket TTL; the holder field exists so renew and release can verify
// ownership.
type lease struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// AcquireLease claims exclusive orchestrator ownership of a workflow.
// Create-only, so a live lease held by anyone (including a crashed owner
// whose lease has not yet expired) fails with ErrLeaseHeld.
func (s *Store) AcquireLease(ctx context.Context, workflowID, owner string) error {
	data, err := json.Marshal(lease{Owner: owner, AcquiredAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode lease: %w", err)
	}
	if _, err := s.locks.Create(ctx, leaseKeyPrefix+workflowID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrLeaseHeld
		}
		return fmt.Errorf("acquire lease %s: %w", workflowID, err)
	}
	return nil
}

// RenewLease refreshes the lease TTL. Fails with ErrLeaseHeld when the
// lease expired and another owner took it, and with ErrNotFound when it
// expired without a new taker.
func (s *Store) RenewLease(ctx context.Context, workflowID, owner string) error {
	key := leaseKeyPrefix + workflowID
	entry, err := s.locks.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("renew lease %s: %w", workflowID, err)
	}

	var l lease
	if err := json.Unmarshal(entry.Value(), &l); err != nil {
		return fmt.Errorf("decode lease %s: %w", workflowID, err)
	}
	if l.Owner != owner {
		return ErrLeaseHeld
	}

	data, err := json.Marshal(lease{Owner: owner, AcquiredAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode lease: %w", err)
	}
	if _, err := s.locks.Update(ctx, key, data, entry.Revision()); err != nil {
		if isWrongSequence(err) {
			return ErrLeaseHeld
		}
		return fmt.Errorf("renew lease %s: %w", workflowID, err)
	}
	return nil
}

// ReleaseLease drops ownership. Releasing a lease held by someone else is
// an error; releasing an expired lease is not.
func (s *Store) ReleaseLease(ctx context.Context, workflowID, owner string) error {
	key := leaseKeyPrefix + workflowID
	entry, err := s.locks.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("release lease %s: %w", workflowID, err)
	}

	var l lease
	if err := json.Unmarshal(entry.Value(), &l); err != nil {
		return fmt.Errorf("decode lease %s: %w", workflowID, err)
	}
	if l.Owner != owner {
		return ErrLeaseHeld
	}

	if err := s.locks.Delete(ctx, key); err != nil {
		return fmt.Errorf("release lease %s: %w", workflowID, err)
	}
	return nil
}

// LeaseHolder returns the current owner, or ErrNotFound when no live lease
// exists. Recovery uses this to find orphaned workflows.
func (s *Store) LeaseHolder(ctx context.Context, workflowID string) (string, error) {
	entry, err := s.locks.Get(ctx, leaseKeyPrefix+workflowID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("lease holder %s: %w", workflowID, err)
	}
	var l lease
	if err := json.Unmarshal(entry.Value(), &l); err != nil {
		return "", fmt.Errorf("decode lease %s: %w", workflowID, err)
	}
	return l.Owner, nil
}

// ClaimSource takes the short-lived source dedup lock. It only serializes
// concurrent first deliveries of the same source_id; the durable dedup
// barrier is the create-only workflow record keyed by the deterministic
// workflow ID.
func (s *Store) ClaimSource(ctx context.Context, sourceID, workflowID string) (bool, error) {
	if _, err := s.locks.Create(ctx, srcKeyPrefix+keyToken(sourceID), []byte(workflowID)); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("claim source %s: %w", sourceID, err)
	}
	return true, nil
}
