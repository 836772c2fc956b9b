package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/changelog"
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

// node is one replica: an editor synced by an engine.
type node struct {
	ed     *editor.Editor
	client *changelog.Client
	eng    *engine.Engine
	clk    *testutil.FakeClock

	mu       sync.Mutex
	statuses []engine.Status
	errs     []error
}

func startNode(t *testing.T, remote changelog.Remote, clientID string, opts ...engine.Option) *node {
	t.Helper()
	n := &node{
		ed:  editor.New(editor.NewState("", clientID)),
		clk: testutil.NewFakeClock(),
	}
	n.client = changelog.NewClient(remote, 0,
		changelog.WithIDGenerator(changelog.NewSequenceGenerator(clientID)),
		changelog.WithErrorHandler(engine.DecodeErrorHandler(n.recordError)),
	)
	opts = append([]engine.Option{
		engine.WithClock(n.clk),
		engine.OnStatusChange(func(s engine.Status) {
			n.mu.Lock()
			defer n.mu.Unlock()
			n.statuses = append(n.statuses, s)
		}),
		engine.OnError(n.recordError),
	}, opts...)
	n.eng = engine.New(n.client, n.ed, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return n
}

func (n *node) recordError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

func (n *node) errors() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.errs...)
}

func (n *node) statusLog() []engine.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]engine.Status(nil), n.statuses...)
}

func (n *node) edit(t *testing.T, steps ...step.Step) {
	t.Helper()
	_, err := n.ed.Update(func(st *editor.State) (*editor.Transaction, error) {
		tr := st.Tr()
		for _, s := range steps {
			if err := tr.Step(s); err != nil {
				return nil, err
			}
		}
		return tr, nil
	})
	require.NoError(t, err)
	n.eng.SendLocal()
}

func (n *node) waitIdle(t *testing.T, key int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := n.eng.Snapshot()
		return s.Status == engine.StatusIdle && s.HighestKey == key
	}, waitFor, tick, "node never reached idle at key %d", key)
}

func put(t *testing.T, remote *testutil.ScriptedRemote, key int64, clientID string, steps ...step.Step) {
	t.Helper()
	raws, err := step.EncodeAll(steps)
	require.NoError(t, err)
	require.True(t, remote.Put(key, record.ChangeRecord{ID: clientID + "-rec", ClientID: clientID, Steps: raws}))
}

func decodeSteps(t *testing.T, kr changelog.KeyedRecord) []step.Step {
	t.Helper()
	steps, err := step.DefaultRegistry.DecodeAll(kr.Record.Steps)
	require.NoError(t, err)
	return steps
}

func TestEngineConnectsAndSendsLocalEdits(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	put(t, remote, 1, "other", step.Insert(0, "hello"))

	n := startNode(t, remote, "a-000001")
	n.waitIdle(t, 1)
	assert.Equal(t, "hello", n.ed.Text())

	n.edit(t, step.Insert(5, " world"))

	// The commit echoes back through the subscription and confirms the step.
	n.waitIdle(t, 2)
	assert.Nil(t, n.ed.Sendable())
	assert.Equal(t, "hello world", n.ed.Confirmed())

	records := remote.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "a-000001", records[1].Record.ClientID)
	assert.Equal(t, []step.Step{step.Insert(5, " world")}, decodeSteps(t, records[1]))
	assert.Empty(t, n.errors())
}

func TestEngineCollisionRetriesOnNextSlot(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	for k := int64(1); k <= 5; k++ {
		put(t, remote, k, "seed", step.Insert(int(k-1), "x"))
	}

	b := startNode(t, remote, "B")
	b.waitIdle(t, 5)

	// Client A takes slot 6 just before B's claim lands.
	raws, err := step.EncodeAll([]step.Step{step.Insert(0, "A")})
	require.NoError(t, err)
	fromA := record.ChangeRecord{ID: "A-rec", ClientID: "A", Steps: raws}
	var raced atomic.Bool
	remote.BeforeClaim = func(key int64) error {
		if key == 6 && raced.CompareAndSwap(false, true) {
			remote.Put(6, fromA)
		}
		return nil
	}

	b.edit(t, step.Insert(5, "B"))

	// No retry timer fires on the fake clock: the flush of slot 6 clears
	// the armed retry and the send goes straight to slot 7.
	b.waitIdle(t, 7)
	assert.Equal(t, "AxxxxxB", b.ed.Text())
	assert.Equal(t, "AxxxxxB", b.ed.Confirmed())

	records := remote.Records()
	require.Len(t, records, 7)
	assert.Equal(t, "A", records[5].Record.ClientID)
	assert.Equal(t, "B", records[6].Record.ClientID)
	assert.Equal(t, []step.Step{step.Insert(6, "B")}, decodeSteps(t, records[6]))
	assert.Equal(t, int64(7), b.client.HighestKnownKey())
}

func TestEngineQueuesChangesReceivedWhileSending(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	b := startNode(t, remote, "B")
	b.waitIdle(t, 0)

	inClaim := make(chan struct{})
	release := make(chan struct{})
	var blocked atomic.Bool
	remote.BeforeClaim = func(key int64) error {
		if blocked.CompareAndSwap(false, true) {
			close(inClaim)
			<-release
		}
		return nil
	}

	b.edit(t, step.Insert(0, "b"))
	<-inClaim

	put(t, remote, 1, "C", step.Insert(0, "c"))
	require.Eventually(t, func() bool {
		s := b.eng.Snapshot()
		return s.Status == engine.StatusSending && len(s.Pending) == 1
	}, waitFor, tick)
	assert.Equal(t, "", b.ed.Confirmed(), "remote change must not apply while sending")

	close(release)
	b.waitIdle(t, 2)
	assert.Equal(t, "cb", b.ed.Text())

	// Flushing is entered between the two sending cycles.
	log := b.statusLog()
	first := indexOf(log, engine.StatusSending, 0)
	require.GreaterOrEqual(t, first, 0)
	flush := indexOf(log, engine.StatusFlushing, first)
	require.Greater(t, flush, first)
	assert.Greater(t, indexOf(log, engine.StatusSending, flush), flush)
}

func indexOf(log []engine.Status, want engine.Status, from int) int {
	for i := from; i < len(log); i++ {
		if log[i] == want {
			return i
		}
	}
	return -1
}

func TestEngineDropsChangesThatFailToApply(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	n := startNode(t, remote, "a")
	n.waitIdle(t, 0)

	put(t, remote, 1, "bad", step.Delete(3, 9))
	put(t, remote, 2, "good", step.Insert(0, "ok"))

	n.waitIdle(t, 2)
	assert.Equal(t, "ok", n.ed.Text())

	errs := n.errors()
	require.Len(t, errs, 1)
	assert.True(t, engine.IsApplyError(errs[0]))
	var se *engine.SyncError
	require.True(t, errors.As(errs[0], &se))
	assert.Equal(t, int64(1), se.Key)
}

func TestEngineReportsUndecodableRecords(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	n := startNode(t, remote, "a")
	n.waitIdle(t, 0)

	require.True(t, remote.Put(1, record.ChangeRecord{ID: "r", ClientID: "x", Steps: []json.RawMessage{json.RawMessage(`{"stepType":"mystery"}`)}}))
	n.waitIdle(t, 1)

	errs := n.errors()
	require.Len(t, errs, 1)
	assert.True(t, engine.IsDecodeError(errs[0]))
}

func TestEngineRetriesInitialFetch(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	remote.RangeErr = errors.New("offline")
	put(t, remote, 1, "other", step.Insert(0, "hi"))

	n := startNode(t, remote, "a")
	require.Eventually(t, func() bool {
		s := n.eng.Snapshot()
		return s.Status == engine.StatusLoading && s.RetryArmed && n.clk.Pending() == 1
	}, waitFor, tick)
	assert.Empty(t, n.errors(), "transient fetch errors are not surfaced")

	n.clk.Advance(time.Second)
	n.waitIdle(t, 1)
	assert.Equal(t, "hi", n.ed.Text())
}

func TestEngineStoresCheckpoints(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	n := startNode(t, remote, "a", engine.WithCheckpointInterval(2))
	n.waitIdle(t, 0)

	put(t, remote, 1, "o", step.Insert(0, "ab"))
	put(t, remote, 2, "o", step.Insert(2, "cd"))
	n.waitIdle(t, 2)

	require.Eventually(t, func() bool { return len(remote.Checkpoints()) == 1 }, waitFor, tick)
	cp := remote.Checkpoints()[0]
	assert.Equal(t, int64(2), cp.Key)
	text, err := cp.Text()
	require.NoError(t, err)
	assert.Equal(t, "abcd", text)
}

func checkpointText(t *testing.T, remote *testutil.ScriptedRemote, key int64) (string, bool) {
	t.Helper()
	for _, cp := range remote.Checkpoints() {
		if cp.Key == key {
			text, err := cp.Text()
			require.NoError(t, err)
			return text, true
		}
	}
	return "", false
}

func TestEngineCheckpointsEveryKeyInABatchedFlush(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	n := startNode(t, remote, "a", engine.WithCheckpointInterval(2))
	n.waitIdle(t, 0)

	inClaim := make(chan struct{})
	release := make(chan struct{})
	var blocked atomic.Bool
	remote.BeforeClaim = func(key int64) error {
		if blocked.CompareAndSwap(false, true) {
			close(inClaim)
			<-release
		}
		return nil
	}

	n.edit(t, step.Insert(0, "z"))
	<-inClaim

	put(t, remote, 1, "o", step.Insert(0, "ab"))
	put(t, remote, 2, "o", step.Insert(2, "cd"))
	put(t, remote, 3, "o", step.Insert(4, "ef"))
	require.Eventually(t, func() bool { return len(n.eng.Snapshot().Pending) == 3 }, waitFor, tick)

	close(release)
	n.waitIdle(t, 4)

	var text string
	require.Eventually(t, func() bool {
		var ok bool
		text, ok = checkpointText(t, remote, 2)
		return ok
	}, waitFor, tick, "no checkpoint at key 2")
	assert.Equal(t, "abcd", text)
}

func TestEngineCheckpointsInitialFetch(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	put(t, remote, 1, "o", step.Insert(0, "ab"))
	put(t, remote, 2, "o", step.Insert(2, "cd"))

	n := startNode(t, remote, "a", engine.WithCheckpointInterval(2))
	n.waitIdle(t, 2)

	var text string
	require.Eventually(t, func() bool {
		var ok bool
		text, ok = checkpointText(t, remote, 2)
		return ok
	}, waitFor, tick, "initial change stored no checkpoint")
	assert.Equal(t, "abcd", text)
}

func TestEngineInitialFetchDropsOnlyFailingRecord(t *testing.T) {
	remote := testutil.NewScriptedRemote("main")
	put(t, remote, 1, "o", step.Insert(0, "hello"))
	put(t, remote, 2, "o", step.Delete(40, 41))
	put(t, remote, 3, "o", step.Insert(5, " world"))

	n := startNode(t, remote, "a")
	n.waitIdle(t, 3)

	replayed, err := changelog.Replay(context.Background(), remote, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, replayed.Dropped)
	assert.Equal(t, replayed.Text, n.ed.Confirmed())
	assert.Equal(t, "hello world", n.ed.Text())

	var dropped []int64
	for _, err := range n.errors() {
		var se *engine.SyncError
		if engine.IsApplyError(err) && errors.As(err, &se) {
			dropped = append(dropped, se.Key)
		}
	}
	assert.Equal(t, []int64{2}, dropped)
}

func TestEngineDisabledWithoutClient(t *testing.T) {
	ed := editor.New(editor.NewState("offline", "a"))
	var statuses []engine.Status
	eng := engine.New(nil, ed, engine.OnStatusChange(func(s engine.Status) { statuses = append(statuses, s) }))
	assert.Equal(t, engine.StatusDisabled, eng.Status())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	eng.SendLocal()
	eng.Dispatch(engine.Connect{})
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, engine.StatusDisabled, eng.Status())
	assert.Equal(t, []engine.Status{engine.StatusDisabled}, statuses)
}

func TestBackoffDelay(t *testing.T) {
	b := engine.DefaultBackoff()
	b.Rand = func() float64 { return 0.5 }

	assert.Equal(t, 50*time.Millisecond, b.Delay(1))
	assert.Equal(t, 100*time.Millisecond, b.Delay(2))
	assert.Equal(t, 800*time.Millisecond, b.Delay(5))
	assert.Equal(t, 2*time.Second, b.Delay(7))
	assert.Equal(t, 2*time.Second, b.Delay(50))

	b.Rand = func() float64 { return 0 }
	assert.InDelta(t, float64(40*time.Millisecond), float64(b.Delay(1)), float64(time.Microsecond))
	b.Rand = func() float64 { return 0.999999 }
	assert.InDelta(t, float64(60*time.Millisecond), float64(b.Delay(1)), float64(time.Microsecond))
}
