package store

import "errors"

var (
	// ErrNotFound is returned when the key has no value.
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyExists is returned by create-only writes on an existing key.
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrConflict is returned when a CAS write loses the race.
	ErrConflict = errors.New("store: revision conflict")
	// ErrLeaseHeld is returned when another owner holds the lease.
	ErrLeaseHeld = errors.New("store: lease held by another owner")
	// ErrNoCheckpoint is returned when a workflow has no checkpoint yet.
	ErrNoCheckpoint = errors.New("store: no checkpoint")
)
