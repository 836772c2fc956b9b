// Package changelog is the client side of the shared, ordered change log.
//
// A branch's log is a sequence of change records under strictly
// increasing integer keys. Clients append by claiming the slot after the
// highest key they know about; the backend guarantees at most one record
// per slot, so concurrent appends to the same slot resolve to exactly one
// winner without any client-side locking.
package changelog

import (
	"context"
	"errors"

	"github.com/roach88/quill/internal/record"
)

var (
	// ErrClosed is returned by a backend after Close.
	ErrClosed = errors.New("change log closed")

	// ErrNotFound is returned when a requested item does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned when claiming a key below 1.
	ErrInvalidKey = errors.New("log keys start at 1")
)

// KeyedRecord is re-exported for callers that only import changelog.
type KeyedRecord = record.KeyedRecord

// Log is the append-only change log of one branch.
type Log interface {
	// BranchID names the branch.
	BranchID() string

	// Range returns every record with key >= start in ascending key order.
	Range(ctx context.Context, start int64) ([]KeyedRecord, error)

	// SubscribeChanges streams records with key >= start in ascending
	// key order, each at most once. The channel closes when ctx is done
	// or the backend shuts down.
	SubscribeChanges(ctx context.Context, start int64) (<-chan KeyedRecord, error)

	// Claim writes rec at key if and only if key is free. committed is
	// false when another record already holds the key.
	Claim(ctx context.Context, key int64, rec record.ChangeRecord) (committed bool, err error)
}

// DiscussionUpdate computes the new value of a discussion from its current
// value (nil when absent). Returning nil aborts the write. It may be
// called more than once.
type DiscussionUpdate func(existing *record.Discussion) *record.Discussion

// Discussions stores a branch's discussion anchors.
type Discussions interface {
	// SubscribeDiscussions emits an added event per existing discussion,
	// then every later change. The channel closes when ctx is done.
	SubscribeDiscussions(ctx context.Context) (<-chan record.DiscussionEvent, error)

	// UpdateDiscussion atomically replaces the discussion id with fn's
	// result. committed is false when fn aborted.
	UpdateDiscussion(ctx context.Context, id string, fn DiscussionUpdate) (committed bool, err error)

	// RemoveDiscussion deletes a discussion. Removing a missing
	// discussion is not an error.
	RemoveDiscussion(ctx context.Context, id string) error
}

// Checkpoints stores periodic document snapshots.
type Checkpoints interface {
	StoreCheckpoint(ctx context.Context, cp record.Checkpoint) error

	// LatestCheckpoint returns the checkpoint with the highest key. ok is
	// false when none exists.
	LatestCheckpoint(ctx context.Context) (cp record.Checkpoint, ok bool, err error)
}

// Remote is everything the sync core needs from a branch backend. It is
// the only network boundary of the client.
type Remote interface {
	Log
	Discussions
	Checkpoints
}

// VersionedDiscussions exposes the optimistic-concurrency primitives a
// transport uses to run UpdateDiscussion across a network hop.
type VersionedDiscussions interface {
	// GetDiscussion returns the discussion and its revision. rev is 0 and
	// d is nil when absent.
	GetDiscussion(ctx context.Context, id string) (d *record.Discussion, rev int64, err error)

	// PutDiscussionIf stores d only if the current revision is rev.
	PutDiscussionIf(ctx context.Context, id string, d *record.Discussion, rev int64) (committed bool, err error)
}

// Branch is a backend branch that can also be served remotely.
type Branch interface {
	Remote
	VersionedDiscussions
}

// Backend opens branches by id.
type Backend interface {
	Branch(id string) (Branch, error)
	Close() error
}
