package wsremote

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/boltstore"
	"github.com/roach88/quill/internal/changelog"
	"github.com/roach88/quill/internal/record"
)

func setupRemote(t *testing.T) (*Remote, *boltstore.Store) {
	t.Helper()
	backend, err := boltstore.Open(filepath.Join(t.TempDir(), "ws.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	srv := httptest.NewServer(NewServer(backend, nil))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	remote, err := Dial(ctx, wsURL, "main", nil)
	require.NoError(t, err)
	t.Cleanup(func() { remote.Close() })
	return remote, backend
}

func testRecord(id string) record.ChangeRecord {
	return record.ChangeRecord{
		ID:       id,
		ClientID: "client-" + id,
		Steps:    []json.RawMessage{json.RawMessage(`{"stepType":"replace","from":0,"to":0,"text":"hi"}`)},
	}
}

func TestFrameRoundTrip(t *testing.T) {
	rec := testRecord("r1")
	data, err := encodeFrame(frame{ID: 3, Op: opClaim, Key: 9, Record: &rec})
	require.NoError(t, err)

	got, err := decodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.ID)
	assert.Equal(t, int64(9), got.Key)
	require.NotNil(t, got.Record)
	assert.JSONEq(t, string(rec.Steps[0]), string(got.Record.Steps[0]))
}

func TestRemoteClaimAndRange(t *testing.T) {
	ctx := context.Background()
	remote, _ := setupRemote(t)

	ok, err := remote.Claim(ctx, 1, testRecord("a"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = remote.Claim(ctx, 1, testRecord("b"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = remote.Claim(ctx, 0, testRecord("c"))
	assert.ErrorIs(t, err, changelog.ErrInvalidKey)

	records, err := remote.Range(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].Record.ID)
	assert.Equal(t, "main", records[0].Record.BranchID)
}

func TestRemoteSubscribeChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remote, backend := setupRemote(t)

	_, err := remote.Claim(ctx, 1, testRecord("a"))
	require.NoError(t, err)

	ch, err := remote.SubscribeChanges(ctx, 1)
	require.NoError(t, err)

	// A write from another writer on the same backend.
	branch, err := backend.OpenBranch("main")
	require.NoError(t, err)
	_, err = branch.Claim(ctx, 2, testRecord("b"))
	require.NoError(t, err)

	for _, want := range []int64{1, 2} {
		select {
		case kr := <-ch:
			assert.Equal(t, want, kr.Key)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for key %d", want)
		}
	}
}

func TestRemoteDiscussions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remote, _ := setupRemote(t)

	events, err := remote.SubscribeDiscussions(ctx)
	require.NoError(t, err)

	d, err := record.NewDiscussion(2, 6, 0)
	require.NoError(t, err)
	ok, err := remote.UpdateDiscussion(ctx, "d1", func(existing *record.Discussion) *record.Discussion {
		if existing != nil {
			return nil
		}
		return d
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = remote.UpdateDiscussion(ctx, "d1", func(existing *record.Discussion) *record.Discussion {
		if existing != nil {
			return nil
		}
		return d
	})
	require.NoError(t, err)
	assert.False(t, ok, "update function aborted")

	got, rev, err := remote.GetDiscussion(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)
	sel, err := got.DecodeSelection()
	require.NoError(t, err)
	assert.Equal(t, 2, sel.From())

	require.NoError(t, remote.RemoveDiscussion(ctx, "d1"))

	for _, want := range []record.DiscussionEventType{record.DiscussionAdded, record.DiscussionRemoved} {
		select {
		case ev := <-events:
			assert.Equal(t, want, ev.Type)
			assert.Equal(t, "d1", ev.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestRemoteCheckpoints(t *testing.T) {
	ctx := context.Background()
	remote, _ := setupRemote(t)

	_, ok, err := remote.LatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	cp, err := record.NewCheckpoint(100, "hello")
	require.NoError(t, err)
	require.NoError(t, remote.StoreCheckpoint(ctx, cp))

	got, ok, err := remote.LatestCheckpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	text, err := got.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestRemoteClosed(t *testing.T) {
	remote, _ := setupRemote(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := remote.SubscribeChanges(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, remote.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end")
	}

	_, err = remote.Claim(ctx, 1, testRecord("a"))
	assert.ErrorIs(t, err, changelog.ErrClosed)
}
