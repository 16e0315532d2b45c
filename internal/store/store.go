// Package store persists per-room snapshots: the serialized storage tree
// plus the opaque secondary-CRDT bytes. Room ids are sanitized before use
// as storage keys.
package store

import (
	"context"
	"errors"

	"github.com/livelykit/lively/pkg/protocol"
)

// ErrNotFound is returned by admin operations addressing a missing room.
// Load reports a missing room as (nil, nil) instead, since an absent
// snapshot is the normal first-join case.
var ErrNotFound = errors.New("room snapshot not found")

// Store is the persistence contract. Load and Save are the serving hot
// path, accessed only from the owning room actor; the admin operations
// exist for tooling and are not ordered against actors.
type Store interface {
	// Load returns the snapshot for a room, or (nil, nil) when none exists.
	Load(ctx context.Context, roomID string) (*protocol.Snapshot, error)

	// Save persists the snapshot for a room, replacing any previous one.
	Save(ctx context.Context, roomID string, snap *protocol.Snapshot) error

	// List returns the sanitized ids of all rooms with a stored snapshot.
	List(ctx context.Context) ([]string, error)

	// Exists reports whether a snapshot is stored for the room.
	Exists(ctx context.Context, roomID string) (bool, error)

	// Delete removes a room's snapshot. Missing rooms yield ErrNotFound.
	Delete(ctx context.Context, roomID string) error

	// Reset removes every stored snapshot.
	Reset(ctx context.Context) error
}
