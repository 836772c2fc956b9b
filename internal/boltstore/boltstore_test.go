package boltstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/changelog"
	"github.com/roach88/quill/internal/record"
)

func setupBranch(t *testing.T) (*Store, *Branch) {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "quill.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.SetNow(func() time.Time { return time.UnixMilli(42) })

	b, err := s.OpenBranch("main")
	require.NoError(t, err)
	return s, b
}

func rec(id string) record.ChangeRecord {
	return record.ChangeRecord{
		ID:       id,
		ClientID: "c-" + id,
		Steps:    []json.RawMessage{json.RawMessage(`{"stepType":"replace","from":0,"to":0,"text":"x"}`)},
	}
}

func TestClaimAndRange(t *testing.T) {
	ctx := context.Background()
	_, b := setupBranch(t)

	for _, k := range []int64{2, 1, 300} {
		ok, err := b.Claim(ctx, k, rec("r"))
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := b.Claim(ctx, 2, rec("late"))
	require.NoError(t, err)
	assert.False(t, ok)

	records, err := b.Range(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(2), records[0].Key)
	assert.Equal(t, int64(300), records[1].Key, "big-endian keys sort numerically")
	assert.Equal(t, "main", records[0].Record.BranchID)
	assert.Equal(t, int64(42), records[0].Record.Timestamp)
}

func TestConcurrentClaims(t *testing.T) {
	_, b := setupBranch(t)
	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := b.Claim(context.Background(), 1, rec("r"))
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestSubscribeChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, b := setupBranch(t)

	b.Claim(ctx, 1, rec("a"))
	ch, err := b.SubscribeChanges(ctx, 1)
	require.NoError(t, err)
	b.Claim(ctx, 2, rec("b"))

	for _, want := range []int64{1, 2} {
		select {
		case kr := <-ch:
			assert.Equal(t, want, kr.Key)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %d", want)
		}
	}
}

func TestDiscussions(t *testing.T) {
	ctx := context.Background()
	_, b := setupBranch(t)

	d, err := record.NewDiscussion(3, 8, 1)
	require.NoError(t, err)

	ok, err := b.PutDiscussionIf(ctx, "d1", d, 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.PutDiscussionIf(ctx, "d1", d, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.UpdateDiscussion(ctx, "d1", func(existing *record.Discussion) *record.Discussion {
		existing.CurrentKey = 2
		return existing
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, rev, err := b.GetDiscussion(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)
	assert.Equal(t, int64(2), got.CurrentKey)

	all, err := b.Discussions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, b.RemoveDiscussion(ctx, "d1"))
	got, rev, err = b.GetDiscussion(ctx, "d1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, rev)
}

func TestCheckpoints(t *testing.T) {
	ctx := context.Background()
	_, b := setupBranch(t)

	_, ok, err := b.LatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, k := range []int64{100, 200} {
		cp, err := record.NewCheckpoint(k, "text")
		require.NoError(t, err)
		require.NoError(t, b.StoreCheckpoint(ctx, cp))
	}
	cp, ok, err := b.LatestCheckpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(200), cp.Key)
	assert.Equal(t, int64(42), cp.Timestamp)
}

func TestClosedStore(t *testing.T) {
	s, b := setupBranch(t)
	require.NoError(t, s.Close())

	_, err := b.Claim(context.Background(), 1, rec("r"))
	assert.ErrorIs(t, err, changelog.ErrClosed)
	_, err = s.OpenBranch("other")
	assert.ErrorIs(t, err, changelog.ErrClosed)
}
