package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/quill/internal/record"
)

// createTestStore creates a new file-backed store for testing with a
// fixed commit clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithNow(func() time.Time { return time.UnixMilli(1700000000000) }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestBranch opens branch id on a fresh store.
func createTestBranch(t *testing.T, id string) *Branch {
	t.Helper()
	b, err := createTestStore(t).OpenBranch(id)
	if err != nil {
		t.Fatalf("OpenBranch() failed: %v", err)
	}
	return b
}

// createTestRecord creates a change record carrying one raw step.
func createTestRecord(id, clientID string) record.ChangeRecord {
	return record.ChangeRecord{
		ID:       id,
		ClientID: clientID,
		Steps:    []json.RawMessage{json.RawMessage(`{"stepType":"replace","from":0,"to":0,"text":"` + id + `"}`)},
	}
}
