package changelog_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/changelog"
	"github.com/roach88/quill/internal/record"
	"github.com/roach88/quill/internal/step"
	"github.com/roach88/quill/internal/testutil"
)

func storeCheckpoint(t *testing.T, remote *testutil.ScriptedRemote, key int64, text string) {
	t.Helper()
	cp, err := record.NewCheckpoint(key, text)
	require.NoError(t, err)
	require.NoError(t, remote.StoreCheckpoint(context.Background(), cp))
}

func TestReplayRebuildsDocument(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	require.True(t, remote.Put(1, changeRecord(t, "a", step.Insert(0, "hello"))))
	require.True(t, remote.Put(2, changeRecord(t, "b", step.Delete(40, 41))))
	require.True(t, remote.Put(3, record.ChangeRecord{ID: "x", ClientID: "c", Steps: []json.RawMessage{json.RawMessage(`{"stepType":"nope"}`)}}))
	require.True(t, remote.Put(4, changeRecord(t, "a", step.Insert(5, " world"))))
	storeCheckpoint(t, remote, 2, "hello")

	res, err := changelog.Replay(context.Background(), remote, nil)
	require.NoError(t, err)

	assert.Equal(t, "hello world", res.Text)
	assert.Equal(t, int64(4), res.HighestKey)
	assert.Equal(t, 4, res.Records)
	assert.Equal(t, []int64{2, 3}, res.Dropped)
	require.NotNil(t, res.Checkpoint)
	assert.Equal(t, int64(2), res.Checkpoint.Key)
	assert.NoError(t, res.Checkpoint.Err)
}

func TestReplayDetectsCheckpointMismatch(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	require.True(t, remote.Put(1, changeRecord(t, "a", step.Insert(0, "abc"))))
	storeCheckpoint(t, remote, 1, "abd")

	res, err := changelog.Replay(context.Background(), remote, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Checkpoint)
	assert.ErrorIs(t, res.Checkpoint.Err, record.ErrCheckpointMismatch)
}

func TestReplayCheckpointBeyondLog(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	require.True(t, remote.Put(1, changeRecord(t, "a", step.Insert(0, "abc"))))
	storeCheckpoint(t, remote, 9, "abc")

	res, err := changelog.Replay(context.Background(), remote, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Checkpoint)
	assert.ErrorIs(t, res.Checkpoint.Err, changelog.ErrCheckpointAhead)
}

func TestReplayEmptyBranch(t *testing.T) {
	res, err := changelog.Replay(context.Background(), testutil.NewScriptedRemote("main"), nil)
	require.NoError(t, err)
	assert.Equal(t, "", res.Text)
	assert.Zero(t, res.HighestKey)
	assert.Nil(t, res.Checkpoint)
}

func TestRestoreFromLatestCheckpoint(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	doc, key, err := changelog.Restore(context.Background(), remote)
	require.NoError(t, err)
	assert.Equal(t, step.Doc(""), doc)
	assert.Zero(t, key)

	storeCheckpoint(t, remote, 100, "first")
	storeCheckpoint(t, remote, 200, "second")

	doc, key, err = changelog.Restore(context.Background(), remote)
	require.NoError(t, err)
	assert.Equal(t, step.Doc("second"), doc)
	assert.Equal(t, int64(200), key)
}
