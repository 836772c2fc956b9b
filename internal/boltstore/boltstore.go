// Package boltstore is an embedded bbolt backend for branch change logs,
// meant for single-process use such as offline editing and tests of the
// CLI.
//
// Layout: one top-level bucket per branch holding three nested buckets.
// Change keys are big-endian uint64 so cursor order is key order.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/roach88/quill/internal/changelog"
	"github.com/roach88/quill/internal/record"
)

var (
	bucketChanges     = []byte("changes")
	bucketDiscussions = []byte("discussions")
	bucketCheckpoints = []byte("checkpoints")
)

func branchBucket(id string) []byte {
	return []byte("branch:" + id)
}

// Store is a bbolt database holding any number of branches.
type Store struct {
	db  *bbolt.DB
	now func() time.Time

	mu       sync.Mutex
	branches map[string]*Branch
	closed   bool
}

var _ changelog.Backend = (*Store)(nil)

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}
	return &Store{
		db:       db,
		now:      time.Now,
		branches: make(map[string]*Branch),
	}, nil
}

// SetNow replaces the commit timestamp source.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

// Branch implements changelog.Backend.
func (s *Store) Branch(id string) (changelog.Branch, error) {
	return s.OpenBranch(id)
}

// OpenBranch returns the shared handle for branch id, creating its buckets
// on first use.
func (s *Store) OpenBranch(id string) (*Branch, error) {
	if id == "" {
		return nil, fmt.Errorf("empty branch id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, changelog.ErrClosed
	}
	if b, ok := s.branches[id]; ok {
		return b, nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(branchBucket(id))
		if err != nil {
			return fmt.Errorf("failed to create branch bucket: %w", err)
		}
		for _, name := range [][]byte{bucketChanges, bucketDiscussions, bucketCheckpoints} {
			if _, err := root.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	b := &Branch{
		store:   s,
		id:      id,
		changes: changelog.NewHub[changelog.KeyedRecord](),
		events:  changelog.NewHub[record.DiscussionEvent](),
	}
	s.branches[id] = b
	return b, nil
}

// Close ends live subscriptions and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, b := range s.branches {
		b.changes.Close()
		b.events.Close()
	}
	s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Branch is one branch of a bbolt store. It implements changelog.Branch.
//
// bbolt runs one read-write transaction at a time; publishMu extends that
// ordering to live subscribers.
type Branch struct {
	store     *Store
	id        string
	changes   *changelog.Hub[changelog.KeyedRecord]
	events    *changelog.Hub[record.DiscussionEvent]
	publishMu sync.Mutex
}

var _ changelog.Branch = (*Branch)(nil)

// BranchID implements changelog.Log.
func (b *Branch) BranchID() string { return b.id }

func encodeKey(k int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(k))
	return buf
}

func decodeKey(buf []byte) int64 {
	return int64(binary.BigEndian.Uint64(buf))
}

func (b *Branch) bucket(tx *bbolt.Tx, name []byte) (*bbolt.Bucket, error) {
	root := tx.Bucket(branchBucket(b.id))
	if root == nil {
		return nil, fmt.Errorf("branch %s: %w", b.id, changelog.ErrNotFound)
	}
	bucket := root.Bucket(name)
	if bucket == nil {
		return nil, fmt.Errorf("branch %s bucket %s: %w", b.id, name, changelog.ErrNotFound)
	}
	return bucket, nil
}

// Claim implements changelog.Log. The read and the write of the slot run in
// one bbolt read-write transaction, which bbolt serialises.
func (b *Branch) Claim(ctx context.Context, key int64, rec record.ChangeRecord) (bool, error) {
	if key < 1 {
		return false, changelog.ErrInvalidKey
	}
	if b.store.isClosed() {
		return false, changelog.ErrClosed
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	rec.BranchID = b.id
	rec.Timestamp = b.store.now().UnixMilli()
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("claim key %d: marshal: %w", key, err)
	}

	committed := false
	err = b.store.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := b.bucket(tx, bucketChanges)
		if err != nil {
			return err
		}
		k := encodeKey(key)
		if bucket.Get(k) != nil {
			return nil
		}
		committed = true
		return bucket.Put(k, data)
	})
	if err != nil {
		return false, fmt.Errorf("claim key %d: %w", key, err)
	}
	if committed {
		b.changes.Publish(changelog.KeyedRecord{Key: key, Record: rec})
	}
	return committed, nil
}

// Range implements changelog.Log.
func (b *Branch) Range(ctx context.Context, start int64) ([]changelog.KeyedRecord, error) {
	out := []changelog.KeyedRecord{}
	err := b.store.db.View(func(tx *bbolt.Tx) error {
		bucket, err := b.bucket(tx, bucketChanges)
		if err != nil {
			return err
		}
		c := bucket.Cursor()
		for k, v := c.Seek(encodeKey(max(start, 0))); k != nil; k, v = c.Next() {
			var rec record.ChangeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode key %d: %w", decodeKey(k), err)
			}
			out = append(out, changelog.KeyedRecord{Key: decodeKey(k), Record: rec})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("range from %d: %w", start, err)
	}
	return out, nil
}

// SubscribeChanges implements changelog.Log.
func (b *Branch) SubscribeChanges(ctx context.Context, start int64) (<-chan changelog.KeyedRecord, error) {
	if b.store.isClosed() {
		return nil, changelog.ErrClosed
	}
	return changelog.FollowChanges(ctx, start, b.changes, b.Range)
}

// discussionValue is the stored form of a discussion.
type discussionValue struct {
	Rev        int64              `json:"rev"`
	Discussion *record.Discussion `json:"discussion"`
}

func getDiscussion(bucket *bbolt.Bucket, id string) (*record.Discussion, int64, error) {
	raw := bucket.Get([]byte(id))
	if raw == nil {
		return nil, 0, nil
	}
	var v discussionValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, 0, fmt.Errorf("decode discussion %s: %w", id, err)
	}
	return v.Discussion, v.Rev, nil
}

func putDiscussion(bucket *bbolt.Bucket, id string, d *record.Discussion, rev int64) error {
	data, err := json.Marshal(discussionValue{Rev: rev, Discussion: d})
	if err != nil {
		return fmt.Errorf("encode discussion %s: %w", id, err)
	}
	return bucket.Put([]byte(id), data)
}

// SubscribeDiscussions implements changelog.Discussions.
func (b *Branch) SubscribeDiscussions(ctx context.Context) (<-chan record.DiscussionEvent, error) {
	if b.store.isClosed() {
		return nil, changelog.ErrClosed
	}
	return changelog.FollowDiscussions(ctx, b.events, b.Discussions)
}

// Discussions returns every stored discussion by id.
func (b *Branch) Discussions(ctx context.Context) (map[string]*record.Discussion, error) {
	out := make(map[string]*record.Discussion)
	err := b.store.db.View(func(tx *bbolt.Tx) error {
		bucket, err := b.bucket(tx, bucketDiscussions)
		if err != nil {
			return err
		}
		return bucket.ForEach(func(k, v []byte) error {
			var dv discussionValue
			if err := json.Unmarshal(v, &dv); err != nil || dv.Discussion == nil {
				return nil
			}
			out[string(k)] = dv.Discussion
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateDiscussion implements changelog.Discussions.
func (b *Branch) UpdateDiscussion(ctx context.Context, id string, fn changelog.DiscussionUpdate) (bool, error) {
	return b.writeDiscussion(id, func(existing *record.Discussion, rev int64) (*record.Discussion, bool) {
		next := fn(existing)
		return next, next != nil
	})
}

// GetDiscussion implements changelog.VersionedDiscussions.
func (b *Branch) GetDiscussion(ctx context.Context, id string) (*record.Discussion, int64, error) {
	var (
		d   *record.Discussion
		rev int64
	)
	err := b.store.db.View(func(tx *bbolt.Tx) error {
		bucket, err := b.bucket(tx, bucketDiscussions)
		if err != nil {
			return err
		}
		d, rev, err = getDiscussion(bucket, id)
		return err
	})
	return d, rev, err
}

// PutDiscussionIf implements changelog.VersionedDiscussions.
func (b *Branch) PutDiscussionIf(ctx context.Context, id string, d *record.Discussion, rev int64) (bool, error) {
	return b.writeDiscussion(id, func(_ *record.Discussion, current int64) (*record.Discussion, bool) {
		return d, current == rev
	})
}

func (b *Branch) writeDiscussion(id string, decide func(existing *record.Discussion, rev int64) (*record.Discussion, bool)) (bool, error) {
	if b.store.isClosed() {
		return false, changelog.ErrClosed
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	var (
		next      *record.Discussion
		existed   bool
		committed bool
	)
	err := b.store.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := b.bucket(tx, bucketDiscussions)
		if err != nil {
			return err
		}
		existing, rev, err := getDiscussion(bucket, id)
		if err != nil {
			return err
		}
		d, ok := decide(existing, rev)
		if !ok {
			return nil
		}
		next, existed, committed = d, existing != nil, true
		return putDiscussion(bucket, id, d, rev+1)
	})
	if err != nil {
		return false, fmt.Errorf("write discussion %s: %w", id, err)
	}
	if committed {
		typ := record.DiscussionAdded
		if existed {
			typ = record.DiscussionChanged
		}
		b.events.Publish(record.DiscussionEvent{Type: typ, ID: id, Discussion: next.Clone()})
	}
	return committed, nil
}

// RemoveDiscussion implements changelog.Discussions.
func (b *Branch) RemoveDiscussion(ctx context.Context, id string) error {
	if b.store.isClosed() {
		return changelog.ErrClosed
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	removed := false
	err := b.store.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := b.bucket(tx, bucketDiscussions)
		if err != nil {
			return err
		}
		if bucket.Get([]byte(id)) == nil {
			return nil
		}
		removed = true
		return bucket.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("remove discussion %s: %w", id, err)
	}
	if removed {
		b.events.Publish(record.DiscussionEvent{Type: record.DiscussionRemoved, ID: id})
	}
	return nil
}

// StoreCheckpoint implements changelog.Checkpoints. An existing checkpoint
// at the same key is kept.
func (b *Branch) StoreCheckpoint(ctx context.Context, cp record.Checkpoint) error {
	if b.store.isClosed() {
		return changelog.ErrClosed
	}
	if cp.Timestamp == 0 {
		cp.Timestamp = b.store.now().UnixMilli()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("store checkpoint %d: %w", cp.Key, err)
	}
	return b.store.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := b.bucket(tx, bucketCheckpoints)
		if err != nil {
			return err
		}
		k := encodeKey(cp.Key)
		if bucket.Get(k) != nil {
			return nil
		}
		return bucket.Put(k, data)
	})
}

// LatestCheckpoint implements changelog.Checkpoints.
func (b *Branch) LatestCheckpoint(ctx context.Context) (record.Checkpoint, bool, error) {
	var (
		cp    record.Checkpoint
		found bool
	)
	err := b.store.db.View(func(tx *bbolt.Tx) error {
		bucket, err := b.bucket(tx, bucketCheckpoints)
		if err != nil {
			return err
		}
		_, v := bucket.Cursor().Last()
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &cp)
	})
	if err != nil {
		if errors.Is(err, changelog.ErrNotFound) {
			return record.Checkpoint{}, false, nil
		}
		return record.Checkpoint{}, false, fmt.Errorf("latest checkpoint: %w", err)
	}
	return cp, found, nil
}
