package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/quill/internal/changelog"
	"github.com/roach88/quill/internal/clock"
	"github.com/roach88/quill/internal/editor"
	"github.com/roach88/quill/internal/metrics"
	"github.com/roach88/quill/internal/queue"
	"github.com/roach88/quill/internal/record"
	"github.com/roach88/quill/internal/step"
)

// DefaultCheckpointInterval stores a document checkpoint every 100 keys.
const DefaultCheckpointInterval = 100

// Document is the local replica the engine keeps in sync.
//
// Implemented by *editor.Editor.
type Document interface {
	// Receive applies confirmed steps from the log.
	Receive(steps []step.Step, clientIDs []string) error

	// Sendable returns the unconfirmed local steps, or nil.
	Sendable() *editor.Sendable

	// Confirmed returns the document after every confirmed step.
	Confirmed() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the timer source for retries. Default: clock.Real.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithBackoff sets the retry policy. Default: DefaultBackoff().
func WithBackoff(b Backoff) Option {
	return func(e *Engine) { e.backoff = b }
}

// WithCheckpointInterval sets how many keys separate checkpoints. Zero
// disables checkpoints.
func WithCheckpointInterval(n int64) Option {
	return func(e *Engine) { e.checkpointEvery = n }
}

// OnStatusChange registers a callback for status changes. It runs on the
// engine goroutine and must not block.
func OnStatusChange(fn func(Status)) Option {
	return func(e *Engine) { e.onStatus = fn }
}

// OnUpdateHighestKey registers a callback for the highest applied key. It
// runs on the engine goroutine and must not block.
func OnUpdateHighestKey(fn func(int64)) Option {
	return func(e *Engine) { e.onHighestKey = fn }
}

// OnError sets the handler for application and infrastructure errors.
// Default: log at error level.
func OnError(fn func(error)) Option {
	return func(e *Engine) { e.onError = fn }
}

// Engine is the single-writer executor of the sync machine.
//
// Thread-safety model:
//   - Dispatch(), Snapshot(), Status(), HighestKey(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//
// The machine state is mutated only by Run. Snapshot returns a copy taken
// after the last transition.
type Engine struct {
	client          *changelog.Client
	doc             Document
	clock           clock.Clock
	backoff         Backoff
	logger          *slog.Logger
	checkpointEvery int64

	onStatus     func(Status)
	onHighestKey func(int64)
	onError      func(error)

	actions *queue.Queue[Action]

	// Owned by the Run goroutine.
	state      State
	ctx        context.Context
	retryTimer clock.Timer

	mu       sync.Mutex
	snapshot State
}

// New returns an engine syncing doc through client. A nil client yields a
// permanently Disabled engine.
func New(client *changelog.Client, doc Document, opts ...Option) *Engine {
	e := &Engine{
		client:          client,
		doc:             doc,
		clock:           clock.Real{},
		backoff:         DefaultBackoff(),
		logger:          slog.Default(),
		checkpointEvery: DefaultCheckpointInterval,
		actions:         queue.New[Action](),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.onError == nil {
		e.onError = func(err error) {
			e.logger.Error("sync error", "error", err)
		}
	}

	if client == nil {
		e.state.Status = StatusDisabled
	} else {
		e.state.HighestKey = client.HighestKnownKey()
	}
	e.snapshot = e.state
	return e
}

// Dispatch enqueues an action for the Run loop. It returns false once the
// engine has stopped.
func (e *Engine) Dispatch(a Action) bool {
	return e.actions.Push(a)
}

// SendLocal signals that local edits may be ready to send.
func (e *Engine) SendLocal() bool {
	return e.Dispatch(StartSend{})
}

// Snapshot returns a copy of the machine state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.snapshot
	s.Pending = append([]changelog.ReceivedChange(nil), s.Pending...)
	return s
}

// Status returns the current status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot.Status
}

// HighestKey returns the highest key applied to the document.
func (e *Engine) HighestKey() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot.HighestKey
}

// Run starts the single-writer loop. It blocks until ctx is cancelled or
// Stop is called.
//
// ERROR HANDLING: a failing command is reported and the loop continues.
// Transient log errors are never surfaced; they become retries.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	defer e.stopRetry()

	if e.state.Status == StatusDisabled {
		e.logger.Info("sync disabled: no change log configured")
		if e.onStatus != nil {
			e.onStatus(StatusDisabled)
		}
	} else {
		e.logger.Info("sync engine starting",
			"branch", e.client.BranchID(),
			"key", e.state.HighestKey,
		)
		e.execute(Reconnect{})
	}

	for {
		a, ok := e.actions.TryPop()
		if ok {
			e.apply(a)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopping: context cancelled")
			e.actions.Close()
			return ctx.Err()

		case <-e.actions.Wait():
			if e.actions.Closed() && e.actions.Len() == 0 {
				e.logger.Info("sync engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the action queue; Run returns once it is drained.
func (e *Engine) Stop() {
	e.actions.Close()
}

// apply runs one transition and its commands.
// CRITICAL: Called only from Run() goroutine - single-writer guarantee.
func (e *Engine) apply(a Action) {
	next, cmds := Reduce(e.state, a, e.inputs())
	e.state = next

	e.mu.Lock()
	e.snapshot = next
	e.mu.Unlock()

	e.logger.Debug("sync transition",
		"action", actionName(a),
		"status", next.Status.String(),
		"pending", len(next.Pending),
		"highest_key", next.HighestKey,
	)

	for _, cmd := range cmds {
		e.execute(cmd)
	}
}

func (e *Engine) inputs() Inputs {
	if e.client == nil {
		return Inputs{}
	}
	return Inputs{
		HasUnsent: e.doc.Sendable() != nil,
		ClientKey: e.client.HighestKnownKey(),
	}
}

func (e *Engine) execute(cmd Command) {
	switch c := cmd.(type) {
	case Reconnect:
		go e.fetch(c.Attempt)

	case ApplyInitial:
		if e.applyChange(c.Change) {
			e.checkpointAt(c.Change.HighestKey)
		}

	case Subscribe:
		err := e.client.Subscribe(e.ctx, func(rc changelog.ReceivedChange) {
			e.Dispatch(ReceiveChange{Change: rc})
		})
		if err != nil {
			e.onError(&SyncError{Code: ErrCodeSubscribe, Err: err})
		}

	case Flush:
		e.flush(c.Changes)

	case Send:
		e.send()

	case ScheduleRetry:
		e.scheduleRetry(c)

	case AdvanceKey:
		e.client.Advance(c.Key)

	case NotifyStatus:
		if e.onStatus != nil {
			e.onStatus(c.Status)
		}

	case NotifyHighestKey:
		if e.onHighestKey != nil {
			e.onHighestKey(c.Key)
		}
	}
}

func (e *Engine) fetch(attempt int) {
	initial, err := e.client.FetchInitial(e.ctx)
	if err != nil {
		if e.ctx.Err() != nil {
			return
		}
		e.logger.Warn("initial fetch failed", "attempt", attempt, "error", err)
		e.Dispatch(ConnectFailed{Err: err})
		return
	}
	e.Dispatch(Connect{Initial: initial})
}

// applyChange applies one received change. A failing change is reported
// and dropped; its key still counts as applied. It reports whether the
// document was changed.
func (e *Engine) applyChange(rc changelog.ReceivedChange) bool {
	if len(rc.Steps) == 0 {
		return false
	}
	err := e.doc.Receive(rc.Steps, rc.ClientIDs)
	if err == nil {
		metrics.ChangesFlushed.Inc()
		return true
	}
	records := rc.Records()
	if len(records) == 1 {
		metrics.ChangesDropped.Inc()
		e.onError(newApplyError(rc.HighestKey, err))
		return false
	}
	// A merged change is retried record by record so only the failing
	// records are dropped.
	applied := false
	for _, r := range records {
		if e.applyChange(r) {
			applied = true
		}
	}
	return applied
}

// flush applies changes in order, then completes the Flushing state
// before returning. Every applied change whose key lands on the checkpoint
// interval is snapshotted as of that key.
func (e *Engine) flush(changes []changelog.ReceivedChange) {
	highest := e.state.HighestKey
	for _, rc := range changes {
		if e.applyChange(rc) && rc.HighestKey > highest {
			e.checkpointAt(rc.HighestKey)
		}
		highest = max(highest, rc.HighestKey)
	}
	e.apply(FinishFlush{Count: len(changes), HighestKey: highest})
}

// checkpointAt stores a checkpoint of the confirmed document when key is
// on the checkpoint interval.
func (e *Engine) checkpointAt(key int64) {
	if e.checkpointEvery <= 0 || key <= 0 || key%e.checkpointEvery != 0 {
		return
	}
	e.storeCheckpoint(key)
}

// storeCheckpoint snapshots the confirmed document at key.
func (e *Engine) storeCheckpoint(key int64) {
	cp, err := record.NewCheckpoint(key, e.doc.Confirmed())
	if err != nil {
		e.onError(&SyncError{Code: ErrCodeCheckpoint, Key: key, Err: err})
		return
	}
	done := e.client.MarkPending()
	go func() {
		defer done()
		if err := e.client.Remote().StoreCheckpoint(e.ctx, cp); err != nil {
			if e.ctx.Err() == nil {
				e.onError(&SyncError{Code: ErrCodeCheckpoint, Key: key, Err: err})
			}
			return
		}
		e.logger.Debug("checkpoint stored", "key", key)
	}()
}

func (e *Engine) send() {
	sendable := e.doc.Sendable()
	if sendable == nil {
		e.apply(FinishSend{Empty: true})
		return
	}
	go func() {
		committed, err := e.client.SendSteps(e.ctx, sendable.Steps, sendable.ClientID)
		if err != nil && e.ctx.Err() == nil {
			e.logger.Warn("send failed", "steps", len(sendable.Steps), "error", err)
		}
		e.Dispatch(FinishSend{Committed: committed, Err: err})
	}()
}

func (e *Engine) scheduleRetry(c ScheduleRetry) {
	e.stopRetry()
	delay := e.backoff.Delay(c.Attempt)
	metrics.RetriesScheduled.Inc()
	e.logger.Debug("retry scheduled", "attempt", c.Attempt, "delay", delay)
	e.retryTimer = e.clock.AfterFunc(delay, func() {
		e.Dispatch(RetryElapsed{Gen: c.Gen})
	})
}

func (e *Engine) stopRetry() {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

func actionName(a Action) string {
	switch a.(type) {
	case Connect:
		return "connect"
	case ConnectFailed:
		return "connect_failed"
	case Disable:
		return "disable"
	case ReceiveChange:
		return "receive_change"
	case StartSend:
		return "start_send"
	case FinishSend:
		return "finish_send"
	case FinishFlush:
		return "finish_flush"
	case RetryElapsed:
		return "retry_elapsed"
	default:
		return "unknown"
	}
}
