package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/quill/internal/changelog"
	"github.com/roach88/quill/internal/record"
)

// Claim writes rec at key if the slot is free.
// Uses ON CONFLICT DO NOTHING and RowsAffected to decide the winner: a
// taken slot is not an error, it reports committed=false.
//
// The record's BranchID and Timestamp are assigned here.
func (b *Branch) Claim(ctx context.Context, key int64, rec record.ChangeRecord) (bool, error) {
	if key < 1 {
		return false, changelog.ErrInvalidKey
	}
	if b.store.isClosed() {
		return false, changelog.ErrClosed
	}

	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return false, fmt.Errorf("claim: marshal steps: %w", err)
	}
	if rec.Steps == nil {
		steps = []byte("[]")
	}

	b.store.writeMu.Lock()
	defer b.store.writeMu.Unlock()

	rec.BranchID = b.id
	rec.Timestamp = b.store.now().UnixMilli()

	res, err := b.store.db.ExecContext(ctx, `
		INSERT INTO changes (branch_id, key, id, client_id, steps, ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(branch_id, key) DO NOTHING
	`, b.id, key, rec.ID, rec.ClientID, string(steps), rec.Timestamp)
	if err != nil {
		return false, fmt.Errorf("claim key %d: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim key %d: rows affected: %w", key, err)
	}
	if n == 0 {
		return false, nil
	}

	b.changes.Publish(changelog.KeyedRecord{Key: key, Record: rec})
	return true, nil
}

// UpdateDiscussion runs fn against the stored discussion inside one
// transaction and stores its result.
func (b *Branch) UpdateDiscussion(ctx context.Context, id string, fn changelog.DiscussionUpdate) (bool, error) {
	if b.store.isClosed() {
		return false, changelog.ErrClosed
	}

	b.store.writeMu.Lock()
	defer b.store.writeMu.Unlock()

	tx, err := b.store.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("update discussion %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	existing, rev, err := readDiscussion(ctx, tx, b.id, id)
	if err != nil {
		return false, err
	}
	next := fn(existing)
	if next == nil {
		return false, nil
	}
	if err := writeDiscussion(ctx, tx, b.id, id, next, rev); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("update discussion %s: commit: %w", id, err)
	}

	b.publishDiscussion(id, next, existing != nil)
	return true, nil
}

// PutDiscussionIf stores d only if the discussion's revision is still rev
// (0 meaning absent).
func (b *Branch) PutDiscussionIf(ctx context.Context, id string, d *record.Discussion, rev int64) (bool, error) {
	if b.store.isClosed() {
		return false, changelog.ErrClosed
	}

	b.store.writeMu.Lock()
	defer b.store.writeMu.Unlock()

	tx, err := b.store.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("put discussion %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	existing, current, err := readDiscussion(ctx, tx, b.id, id)
	if err != nil {
		return false, err
	}
	if current != rev {
		return false, nil
	}
	if err := writeDiscussion(ctx, tx, b.id, id, d, rev); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("put discussion %s: commit: %w", id, err)
	}

	b.publishDiscussion(id, d, existing != nil)
	return true, nil
}

// RemoveDiscussion deletes a discussion. Missing discussions are ignored.
func (b *Branch) RemoveDiscussion(ctx context.Context, id string) error {
	if b.store.isClosed() {
		return changelog.ErrClosed
	}

	b.store.writeMu.Lock()
	defer b.store.writeMu.Unlock()

	res, err := b.store.db.ExecContext(ctx, `
		DELETE FROM discussions WHERE branch_id = ? AND id = ?
	`, b.id, id)
	if err != nil {
		return fmt.Errorf("remove discussion %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		b.events.Publish(record.DiscussionEvent{Type: record.DiscussionRemoved, ID: id})
	}
	return nil
}

// StoreCheckpoint saves cp. A checkpoint already stored at the same key is
// kept.
func (b *Branch) StoreCheckpoint(ctx context.Context, cp record.Checkpoint) error {
	if b.store.isClosed() {
		return changelog.ErrClosed
	}

	b.store.writeMu.Lock()
	defer b.store.writeMu.Unlock()

	ts := cp.Timestamp
	if ts == 0 {
		ts = b.store.now().UnixMilli()
	}
	_, err := b.store.db.ExecContext(ctx, `
		INSERT INTO checkpoints (branch_id, key, doc, hash, ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(branch_id, key) DO NOTHING
	`, b.id, cp.Key, cp.Doc, cp.Hash, ts)
	if err != nil {
		return fmt.Errorf("store checkpoint %d: %w", cp.Key, err)
	}
	return nil
}

func (b *Branch) publishDiscussion(id string, d *record.Discussion, existed bool) {
	typ := record.DiscussionAdded
	if existed {
		typ = record.DiscussionChanged
	}
	b.events.Publish(record.DiscussionEvent{Type: typ, ID: id, Discussion: d.Clone()})
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func readDiscussion(ctx context.Context, q querier, branch, id string) (*record.Discussion, int64, error) {
	var data string
	var rev int64
	err := q.QueryRowContext(ctx, `
		SELECT data, rev FROM discussions WHERE branch_id = ? AND id = ?
	`, branch, id).Scan(&data, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read discussion %s: %w", id, err)
	}
	var d record.Discussion
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, 0, fmt.Errorf("read discussion %s: decode: %w", id, err)
	}
	return &d, rev, nil
}

func writeDiscussion(ctx context.Context, q querier, branch, id string, d *record.Discussion, prevRev int64) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("write discussion %s: encode: %w", id, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO discussions (branch_id, id, data, rev)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(branch_id, id) DO UPDATE SET data = excluded.data, rev = excluded.rev
	`, branch, id, string(data), prevRev+1)
	if err != nil {
		return fmt.Errorf("write discussion %s: %w", id, err)
	}
	return nil
}
