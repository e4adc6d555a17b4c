// Package store provides pluggable byte-level checkpoint storage backends.
//
// The checkpoint manager serializes snapshots itself; a Store only has to
// move opaque bytes atomically. Backends here cover local development
// (memory, file, SQLite) and shared infrastructure (MySQL, Redis, S3).
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no checkpoint exists under the id.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists opaque checkpoint payloads by id.
//
// Put must be atomic: after an error the previous payload (or absence) for
// the id is intact, never a partial write. Serialization of concurrent
// writers for a single id is the checkpoint manager's job, so backends only
// need to keep individual operations atomic, not ordered.
type Store interface {
	// Put writes the payload under id, replacing any existing payload.
	Put(ctx context.Context, id string, data []byte) error

	// Get returns the payload stored under id, or ErrNotFound.
	Get(ctx context.Context, id string) ([]byte, error)

	// Delete removes the payload under id. Deleting a missing id is not an
	// error.
	Delete(ctx context.Context, id string) error

	// List returns all stored checkpoint ids, in no particular order.
	List(ctx context.Context) ([]string, error)
}
