package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/roach88/quill/internal/changelog"
	"github.com/roach88/quill/internal/record"
)

// ScriptedRemote is an in-memory changelog.Branch for tests.
//
// Hooks let a test inject failures or hold a claim at a chosen point.
// Range returns records in reverse key order unless Ordered is set, which
// exercises callers that must sort.
type ScriptedRemote struct {
	branch string

	mu          sync.Mutex
	records     map[int64]record.ChangeRecord
	discussions map[string]discussionEntry
	checkpoints []record.Checkpoint
	now         int64

	// Ordered makes Range return records in ascending key order.
	Ordered bool

	// RangeErr, when non-nil, is returned by Range and consumed.
	RangeErr error

	// BeforeClaim runs before every claim with the requested key. A non-nil
	// error fails the claim.
	BeforeClaim func(key int64) error

	changes *changelog.Hub[changelog.KeyedRecord]
	events  *changelog.Hub[record.DiscussionEvent]
}

type discussionEntry struct {
	d   *record.Discussion
	rev int64
}

var _ changelog.Branch = (*ScriptedRemote)(nil)

// NewScriptedRemote returns an empty branch.
func NewScriptedRemote(branch string) *ScriptedRemote {
	return &ScriptedRemote{
		branch:      branch,
		records:     make(map[int64]record.ChangeRecord),
		discussions: make(map[string]discussionEntry),
		now:         1700000000000,
		changes:     changelog.NewHub[changelog.KeyedRecord](),
		events:      changelog.NewHub[record.DiscussionEvent](),
	}
}

// BranchID implements changelog.Log.
func (r *ScriptedRemote) BranchID() string { return r.branch }

// Range implements changelog.Log.
func (r *ScriptedRemote) Range(ctx context.Context, start int64) ([]changelog.KeyedRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RangeErr != nil {
		err := r.RangeErr
		r.RangeErr = nil
		return nil, err
	}
	return r.rangeLocked(start, r.Ordered), nil
}

func (r *ScriptedRemote) rangeLocked(start int64, ordered bool) []changelog.KeyedRecord {
	out := make([]changelog.KeyedRecord, 0, len(r.records))
	for k, rec := range r.records {
		if k >= start {
			out = append(out, changelog.KeyedRecord{Key: k, Record: rec})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ordered {
			return out[i].Key < out[j].Key
		}
		return out[i].Key > out[j].Key
	})
	return out
}

// SubscribeChanges implements changelog.Log.
func (r *ScriptedRemote) SubscribeChanges(ctx context.Context, start int64) (<-chan changelog.KeyedRecord, error) {
	return changelog.FollowChanges(ctx, start, r.changes, func(ctx context.Context, start int64) ([]changelog.KeyedRecord, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.rangeLocked(start, true), nil
	})
}

// Claim implements changelog.Log.
func (r *ScriptedRemote) Claim(ctx context.Context, key int64, rec record.ChangeRecord) (bool, error) {
	if key < 1 {
		return false, changelog.ErrInvalidKey
	}
	if r.BeforeClaim != nil {
		if err := r.BeforeClaim(key); err != nil {
			return false, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.records[key]; taken {
		return false, nil
	}
	r.now++
	rec.Timestamp = r.now
	rec.BranchID = r.branch
	r.records[key] = rec
	r.changes.Publish(changelog.KeyedRecord{Key: key, Record: rec})
	return true, nil
}

// Put stores rec at key as if another client had committed it.
func (r *ScriptedRemote) Put(key int64, rec record.ChangeRecord) bool {
	ok, _ := r.Claim(context.Background(), key, rec)
	return ok
}

// Records returns committed records in key order.
func (r *ScriptedRemote) Records() []changelog.KeyedRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rangeLocked(1, true)
}

// HighestKey returns the largest committed key, or 0.
func (r *ScriptedRemote) HighestKey() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var hk int64
	for k := range r.records {
		hk = max(hk, k)
	}
	return hk
}

// SubscribeDiscussions implements changelog.Discussions.
func (r *ScriptedRemote) SubscribeDiscussions(ctx context.Context) (<-chan record.DiscussionEvent, error) {
	return changelog.FollowDiscussions(ctx, r.events, func(ctx context.Context) (map[string]*record.Discussion, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		out := make(map[string]*record.Discussion, len(r.discussions))
		for id, e := range r.discussions {
			out[id] = e.d.Clone()
		}
		return out, nil
	})
}

// UpdateDiscussion implements changelog.Discussions.
func (r *ScriptedRemote) UpdateDiscussion(ctx context.Context, id string, fn changelog.DiscussionUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, exists := r.discussions[id]
	next := fn(cur.d.Clone())
	if next == nil {
		return false, nil
	}
	r.putLocked(id, next, cur.rev+1, exists)
	return true, nil
}

// RemoveDiscussion implements changelog.Discussions.
func (r *ScriptedRemote) RemoveDiscussion(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.discussions[id]; !ok {
		return nil
	}
	delete(r.discussions, id)
	r.events.Publish(record.DiscussionEvent{Type: record.DiscussionRemoved, ID: id})
	return nil
}

// GetDiscussion implements changelog.VersionedDiscussions.
func (r *ScriptedRemote) GetDiscussion(ctx context.Context, id string) (*record.Discussion, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.discussions[id]
	return cur.d.Clone(), cur.rev, nil
}

// PutDiscussionIf implements changelog.VersionedDiscussions.
func (r *ScriptedRemote) PutDiscussionIf(ctx context.Context, id string, d *record.Discussion, rev int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, exists := r.discussions[id]
	if cur.rev != rev {
		return false, nil
	}
	r.putLocked(id, d, rev+1, exists)
	return true, nil
}

// SetDiscussion stores d directly, as another client would.
func (r *ScriptedRemote) SetDiscussion(id string, d *record.Discussion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, exists := r.discussions[id]
	r.putLocked(id, d, cur.rev+1, exists)
}

// Discussion returns a copy of the stored discussion, or nil.
func (r *ScriptedRemote) Discussion(id string) *record.Discussion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discussions[id].d.Clone()
}

func (r *ScriptedRemote) putLocked(id string, d *record.Discussion, rev int64, existed bool) {
	r.discussions[id] = discussionEntry{d: d.Clone(), rev: rev}
	typ := record.DiscussionAdded
	if existed {
		typ = record.DiscussionChanged
	}
	r.events.Publish(record.DiscussionEvent{Type: typ, ID: id, Discussion: d.Clone()})
}

// StoreCheckpoint implements changelog.Checkpoints.
func (r *ScriptedRemote) StoreCheckpoint(ctx context.Context, cp record.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkpoints = append(r.checkpoints, cp)
	return nil
}

// LatestCheckpoint implements changelog.Checkpoints.
func (r *ScriptedRemote) LatestCheckpoint(ctx context.Context) (record.Checkpoint, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best record.Checkpoint
	found := false
	for _, cp := range r.checkpoints {
		if !found || cp.Key > best.Key {
			best, found = cp, true
		}
	}
	return best, found, nil
}

// Checkpoints returns every stored checkpoint in store order.
func (r *ScriptedRemote) Checkpoints() []record.Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]record.Checkpoint(nil), r.checkpoints...)
}

// Close ends every subscription.
func (r *ScriptedRemote) Close() {
	r.changes.Close()
	r.events.Close()
}
