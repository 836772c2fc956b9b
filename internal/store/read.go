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

// Range returns every record with key >= start, ordered by key.
//
// Returns an empty slice (not nil) when there are none.
func (b *Branch) Range(ctx context.Context, start int64) ([]changelog.KeyedRecord, error) {
	rows, err := b.store.db.QueryContext(ctx, `
		SELECT key, id, client_id, steps, ts
		FROM changes
		WHERE branch_id = ? AND key >= ?
		ORDER BY key ASC
	`, b.id, start)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	return b.scanChanges(rows)
}

// ReadByClient returns the records authored by clientID, ordered by key.
func (b *Branch) ReadByClient(ctx context.Context, clientID string) ([]changelog.KeyedRecord, error) {
	rows, err := b.store.db.QueryContext(ctx, `
		SELECT key, id, client_id, steps, ts
		FROM changes
		WHERE branch_id = ? AND client_id = ?
		ORDER BY key ASC
	`, b.id, clientID)
	if err != nil {
		return nil, fmt.Errorf("query changes by client: %w", err)
	}
	return b.scanChanges(rows)
}

// HighestKey returns the largest committed key, or 0 for an empty log.
func (b *Branch) HighestKey(ctx context.Context) (int64, error) {
	var key sql.NullInt64
	err := b.store.db.QueryRowContext(ctx, `
		SELECT MAX(key) FROM changes WHERE branch_id = ?
	`, b.id).Scan(&key)
	if err != nil {
		return 0, fmt.Errorf("query highest key: %w", err)
	}
	return key.Int64, nil
}

func (b *Branch) scanChanges(rows *sql.Rows) ([]changelog.KeyedRecord, error) {
	defer rows.Close()

	out := []changelog.KeyedRecord{}
	for rows.Next() {
		var (
			kr    changelog.KeyedRecord
			steps string
		)
		if err := rows.Scan(&kr.Key, &kr.Record.ID, &kr.Record.ClientID, &steps, &kr.Record.Timestamp); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if err := json.Unmarshal([]byte(steps), &kr.Record.Steps); err != nil {
			return nil, fmt.Errorf("decode steps of key %d: %w", kr.Key, err)
		}
		kr.Record.BranchID = b.id
		out = append(out, kr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return out, nil
}

// GetDiscussion returns a discussion and its revision; nil and 0 when
// absent.
func (b *Branch) GetDiscussion(ctx context.Context, id string) (*record.Discussion, int64, error) {
	return readDiscussion(ctx, b.store.db, b.id, id)
}

// Discussions returns every stored discussion by id. Rows that fail to
// decode are skipped.
func (b *Branch) Discussions(ctx context.Context) (map[string]*record.Discussion, error) {
	rows, err := b.store.db.QueryContext(ctx, `
		SELECT id, data FROM discussions WHERE branch_id = ? ORDER BY id ASC
	`, b.id)
	if err != nil {
		return nil, fmt.Errorf("query discussions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*record.Discussion)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan discussion: %w", err)
		}
		var d record.Discussion
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			continue
		}
		out[id] = &d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate discussions: %w", err)
	}
	return out, nil
}

// LatestCheckpoint returns the checkpoint with the highest key.
func (b *Branch) LatestCheckpoint(ctx context.Context) (record.Checkpoint, bool, error) {
	var cp record.Checkpoint
	err := b.store.db.QueryRowContext(ctx, `
		SELECT key, doc, hash, ts FROM checkpoints
		WHERE branch_id = ?
		ORDER BY key DESC
		LIMIT 1
	`, b.id).Scan(&cp.Key, &cp.Doc, &cp.Hash, &cp.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Checkpoint{}, false, nil
	}
	if err != nil {
		return record.Checkpoint{}, false, fmt.Errorf("query checkpoint: %w", err)
	}
	return cp, true, nil
}

// Checkpoints returns every checkpoint ordered by key.
func (b *Branch) Checkpoints(ctx context.Context) ([]record.Checkpoint, error) {
	rows, err := b.store.db.QueryContext(ctx, `
		SELECT key, doc, hash, ts FROM checkpoints
		WHERE branch_id = ?
		ORDER BY key ASC
	`, b.id)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []record.Checkpoint
	for rows.Next() {
		var cp record.Checkpoint
		if err := rows.Scan(&cp.Key, &cp.Doc, &cp.Hash, &cp.Timestamp); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}
