package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogDumpText(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "quill.db")
	seedBranch(t, dbPath, "a", "b", "c")

	out, _, err := executeRoot(t, "log", "dump", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "c-alice")
	assert.Contains(t, out, "c-bob")
	assert.Contains(t, out, "1 step(s)")
	assert.Contains(t, out, "2023-11-14T22:13:20Z")
}

func TestLogDumpFilters(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "quill.db")
	seedBranch(t, dbPath, "a", "b", "c", "d")

	tests := []struct {
		name     string
		args     []string
		wantKeys []int64
	}{
		{"all", nil, []int64{1, 2, 3, 4}},
		{"from", []string{"--from", "3"}, []int64{3, 4}},
		{"client", []string{"--client", "c-bob"}, []int64{2, 4}},
		{"client and from", []string{"--client", "c-alice", "--from", "2"}, []int64{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--format", "json", "log", "dump", "--db", dbPath}, tt.args...)
			out, _, err := executeRoot(t, args...)
			require.NoError(t, err)

			var resp struct {
				Status string  `json:"status"`
				Data   LogDump `json:"data"`
			}
			require.NoError(t, json.Unmarshal([]byte(out), &resp))
			assert.Equal(t, "ok", resp.Status)
			assert.Equal(t, "main", resp.Data.Branch)

			keys := make([]int64, len(resp.Data.Records))
			for i, e := range resp.Data.Records {
				keys[i] = e.Key
			}
			assert.Equal(t, tt.wantKeys, keys)
		})
	}
}

func TestLogDumpEmptyBranch(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "quill.db")

	out, _, err := executeRoot(t, "log", "dump", "--db", dbPath, "--branch", "drafts")
	require.NoError(t, err)
	assert.Contains(t, out, "No records on branch drafts.")

	out, _, err = executeRoot(t, "--format", "json", "log", "dump", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"records": []`)
}

func TestLogDumpInvalidFrom(t *testing.T) {
	_, _, err := executeRoot(t, "log", "dump", "--from", "0", "--db", filepath.Join(t.TempDir(), "quill.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "--from must be at least 1")
}
