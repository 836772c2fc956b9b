package collab_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/changelog"
	"github.com/roach88/quill/internal/collab"
	"github.com/roach88/quill/internal/editor"
	"github.com/roach88/quill/internal/engine"
	"github.com/roach88/quill/internal/record"
	"github.com/roach88/quill/internal/step"
	"github.com/roach88/quill/internal/testutil"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func open(t *testing.T, remote changelog.Remote, clientID string, opts ...collab.Option) *collab.Session {
	t.Helper()
	opts = append([]collab.Option{
		collab.WithClientID(clientID),
		collab.OnError(func(err error) { t.Errorf("%s: unexpected error: %v", clientID, err) }),
	}, opts...)
	s := collab.New(remote, opts...)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func waitKey(t *testing.T, s *collab.Session, key int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Status() == engine.StatusIdle && s.HighestKey() == key
	}, waitFor, tick, "%s never reached key %d", s.ClientID(), key)
}

func TestSessionsConverge(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	a := open(t, remote, "a-000001")
	b := open(t, remote, "b-000002")

	<-a.Connected()
	<-b.Connected()
	require.NoError(t, a.Insert(0, "hello"))
	waitKey(t, a, 1)
	waitKey(t, b, 1)

	require.NoError(t, b.Insert(5, " world"))
	waitKey(t, a, 2)
	waitKey(t, b, 2)

	assert.Equal(t, "hello world", a.Text())
	assert.Equal(t, "hello world", b.Text())
	assert.Zero(t, a.PendingCount())
}

func TestSessionNotEditableWhileLoading(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	remote.RangeErr = errors.New("offline")
	clk := testutil.NewFakeClock()

	s := open(t, remote, "a", collab.WithEngineOptions(engine.WithClock(clk)))
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, waitFor, tick)

	assert.False(t, s.Editable())
	assert.ErrorIs(t, s.Insert(0, "x"), collab.ErrNotEditable)

	clk.Advance(time.Second)
	<-s.Connected()
	assert.True(t, s.Editable())
	require.NoError(t, s.Insert(0, "x"))
	waitKey(t, s, 1)
}

func TestPluginTransactionsAreNotSent(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	s := open(t, remote, "a")
	<-s.Connected()

	err := s.Update(func(st *editor.State) (*editor.Transaction, error) {
		tr := st.Tr()
		if err := tr.Step(step.Insert(0, "auto")); err != nil {
			return nil, err
		}
		tr.SetMeta("formatter$", true)
		return tr, nil
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, remote.Records())
	assert.NotNil(t, s.Editor().Sendable())

	s.SendCollabChanges()
	waitKey(t, s, 1)
	require.Len(t, remote.Records(), 1)
}

func TestOfflineSession(t *testing.T) {
	s := open(t, nil, "solo")
	<-s.Connected()

	assert.Equal(t, engine.StatusDisabled, s.Status())
	assert.True(t, s.Editable())
	require.NoError(t, s.Insert(0, "local only"))
	assert.Equal(t, "local only", s.Text())
	assert.ErrorIs(t, s.AddDiscussion("d", 0, 5), collab.ErrOffline)
	assert.Nil(t, s.Decorations())
}

func TestDiscussionsReachOtherSessions(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	a := open(t, remote, "a")
	b := open(t, remote, "b")
	<-a.Connected()
	<-b.Connected()

	require.NoError(t, a.Insert(0, "hello world"))
	waitKey(t, a, 1)
	waitKey(t, b, 1)

	require.NoError(t, a.AddDiscussion("d", 6, 11))
	assert.Equal(t, []string{"d"}, a.DiscussionsAt(8))

	require.Eventually(t, func() bool { return len(b.DiscussionsAt(8)) == 1 }, waitFor, tick)
	assert.Equal(t, a.Decorations(), b.Decorations())
	assert.Empty(t, b.DiscussionsAt(2))
}

func TestOpenRestoresCheckpoint(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	for key, s := range []step.Step{step.Insert(0, "a"), step.Insert(1, "b"), step.Insert(2, "c")} {
		raws, err := step.EncodeAll([]step.Step{s})
		require.NoError(t, err)
		require.True(t, remote.Put(int64(key+1), record.ChangeRecord{ID: "r", ClientID: "w", Steps: raws}))
	}
	cp, err := record.NewCheckpoint(2, "ab")
	require.NoError(t, err)
	require.NoError(t, remote.StoreCheckpoint(context.Background(), cp))

	s, err := collab.Open(context.Background(), remote, collab.WithClientID("r"))
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(s.Close)

	waitKey(t, s, 3)
	assert.Equal(t, "abc", s.Text())
}

func TestClientIDFromUser(t *testing.T) {
	s := collab.New(nil, collab.WithUserID("u42"))
	assert.Regexp(t, `^u42-[0-9a-f]{6}$`, s.ClientID())
}

func TestClosedSessionRejectsEdits(t *testing.T) {
	s := open(t, testutil.NewScriptedRemote("main"), "a")
	<-s.Connected()
	s.Close()
	assert.ErrorIs(t, s.Insert(0, "x"), collab.ErrClosed)
	assert.ErrorIs(t, s.Connect(context.Background()), collab.ErrClosed)
}
