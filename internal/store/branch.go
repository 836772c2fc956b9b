package store

import (
	"context"

	"github.com/roach88/quill/internal/changelog"
	"github.com/roach88/quill/internal/record"
)

// Branch is one branch of the store. It implements changelog.Branch.
type Branch struct {
	store   *Store
	id      string
	changes *changelog.Hub[changelog.KeyedRecord]
	events  *changelog.Hub[record.DiscussionEvent]
}

var _ changelog.Branch = (*Branch)(nil)

// BranchID implements changelog.Log.
func (b *Branch) BranchID() string { return b.id }

// SubscribeChanges implements changelog.Log.
func (b *Branch) SubscribeChanges(ctx context.Context, start int64) (<-chan changelog.KeyedRecord, error) {
	if b.store.isClosed() {
		return nil, changelog.ErrClosed
	}
	return changelog.FollowChanges(ctx, start, b.changes, b.Range)
}

// SubscribeDiscussions implements changelog.Discussions.
func (b *Branch) SubscribeDiscussions(ctx context.Context) (<-chan record.DiscussionEvent, error) {
	if b.store.isClosed() {
		return nil, changelog.ErrClosed
	}
	return changelog.FollowDiscussions(ctx, b.events, b.Discussions)
}
