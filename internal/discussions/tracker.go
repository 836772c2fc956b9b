// Package discussions keeps discussion anchors attached to the text they
// annotate.
//
// The tracker listens to every editor transaction. Anchors are remapped
// through each edit, drifted or new anchors are written back to the
// branch with a compare-and-set on the key they were mapped against, and
// discussion events from other clients arrive in aggregated batches as
// transactions of their own.
//
// Remote events only introduce anchors the tracker does not know yet, and
// only when they were written against the key the tracker is at. Anchors
// already tracked locally are authoritative: their own echoes and stale
// writes from lagging clients leave them untouched.
package discussions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/quill/internal/aggregator"
	"github.com/roach88/quill/internal/changelog"
	"github.com/roach88/quill/internal/editor"
	"github.com/roach88/quill/internal/metrics"
	"github.com/roach88/quill/internal/queue"
	"github.com/roach88/quill/internal/record"
)

// MetaKey is the transaction meta key carrying []Update.
const MetaKey = "discussions$"

// ErrInvalidRange is returned by AddDiscussion for a range outside the
// document or an empty one.
var ErrInvalidRange = errors.New("discussion range outside the document")

// UpdateType distinguishes discussion updates.
type UpdateType string

const (
	UpdateAdd    UpdateType = "add"
	UpdateSet    UpdateType = "set"
	UpdateRemove UpdateType = "remove"
)

// Update is one discussion change carried by a transaction. Discussion is
// nil for removals.
type Update struct {
	Type       UpdateType
	ID         string
	Discussion *record.Discussion
}

// Write results recorded by metrics.DiscussionWrites.
const (
	resultCommitted = "committed"
	resultAborted   = "aborted"
	resultError     = "error"
)

// persisted is the last anchor state known to be in the branch.
type persisted struct {
	from, to int
	key      int64
}

// write is one queued anchor write.
type write struct {
	id       string
	from, to int
	basis    int64
	created  *record.Discussion
	done     func()
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// OnError sets the handler for failed writes and undeliverable batches.
// Default: log at error level.
func OnError(fn func(error)) Option {
	return func(t *Tracker) { t.onError = fn }
}

// WithAggregator sets the options of the remote event aggregator.
func WithAggregator(opts ...aggregator.Option) Option {
	return func(t *Tracker) { t.aggOpts = opts }
}

// Tracker maintains the discussion anchors of one editor.
//
// Thread-safety: all methods are safe for concurrent use. Apply runs
// inside editor dispatch; Run must be called from exactly one goroutine.
type Tracker struct {
	client  *changelog.Client
	ed      *editor.Editor
	logger  *slog.Logger
	onError func(error)
	aggOpts []aggregator.Option

	writes *queue.Queue[write]

	mu        sync.Mutex
	anchors   *index
	persisted map[string]persisted
}

var _ editor.Listener = (*Tracker)(nil)

// New returns a tracker for ed and registers it as an editor listener.
func New(client *changelog.Client, ed *editor.Editor, opts ...Option) *Tracker {
	t := &Tracker{
		client:    client,
		ed:        ed,
		logger:    slog.Default(),
		writes:    queue.New[write](),
		anchors:   newIndex(),
		persisted: make(map[string]persisted),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.onError == nil {
		t.onError = func(err error) {
			t.logger.Error("discussion error", "error", err)
		}
	}
	ed.AddListener(t)
	return t
}

// AddDiscussion anchors a new discussion to [from, to) of the current
// document. It is created against the client's highest known key and
// written to the branch by Run.
func (t *Tracker) AddDiscussion(id string, from, to int) error {
	_, err := t.ed.Update(func(st *editor.State) (*editor.Transaction, error) {
		if from < 0 || to > st.Doc.Len() || from >= to {
			return nil, fmt.Errorf("add discussion %s at [%d,%d): %w", id, from, to, ErrInvalidRange)
		}
		d, err := record.NewDiscussion(from, to, t.client.HighestKnownKey())
		if err != nil {
			return nil, err
		}
		tr := st.Tr()
		tr.SetMeta(MetaKey, []Update{{Type: UpdateAdd, ID: id, Discussion: d}})
		return tr, nil
	})
	return err
}

// Apply implements editor.Listener.
func (t *Tracker) Apply(tr *editor.Transaction, prev, next *editor.State) {
	updates := updatesOf(tr)
	if len(updates) == 0 && !tr.DocChanged() {
		return
	}
	basis := t.client.HighestKnownKey()
	docLen := next.Doc.Len()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, u := range updates {
		if u.Type == UpdateRemove && t.anchors.Delete(u.ID) {
			delete(t.persisted, u.ID)
		}
	}

	for _, id := range t.anchors.Remap(tr.Mapping) {
		delete(t.persisted, id)
		t.logger.Debug("discussion anchor collapsed", "id", id)
	}

	created := make(map[string]*record.Discussion)
	for _, u := range updates {
		if u.Type == UpdateRemove || u.Discussion == nil {
			continue
		}
		if cur, tracked := t.anchors.Get(u.ID); tracked {
			t.noteRemote(u, cur)
			continue
		}
		if u.Type == UpdateSet && u.Discussion.CurrentKey != basis {
			t.logger.Debug("stale discussion ignored",
				"id", u.ID,
				"current_key", u.Discussion.CurrentKey,
				"key", basis,
			)
			continue
		}
		sel, err := u.Discussion.DecodeSelection()
		if err != nil {
			t.logger.Debug("discussion selection skipped", "id", u.ID, "error", err)
			continue
		}
		from, to := sel.From(), sel.To()
		if from < 0 || to > docLen || from >= to {
			t.logger.Debug("discussion selection skipped", "id", u.ID, "from", from, "to", to)
			continue
		}
		t.anchors.Put(Anchor{ID: u.ID, From: from, To: to})
		if u.Type == UpdateAdd {
			created[u.ID] = u.Discussion
		} else {
			t.persisted[u.ID] = persisted{from: from, to: to, key: u.Discussion.CurrentKey}
		}
	}

	// The author of a remote change persisted the drift it caused.
	if tr.IsRemote() && len(updates) == 0 {
		t.anchors.Walk(func(a Anchor) bool {
			p := t.persisted[a.ID]
			t.persisted[a.ID] = persisted{from: a.From, to: a.To, key: p.key}
			return true
		})
		return
	}

	t.anchors.Walk(func(a Anchor) bool {
		p, known := t.persisted[a.ID]
		drifted := !known || p.from != a.From || p.to != a.To
		refresh := len(updates) > 0 && p.key < basis
		if drifted || refresh {
			t.enqueue(write{id: a.ID, from: a.From, to: a.To, basis: basis, created: created[a.ID]})
			t.persisted[a.ID] = persisted{from: a.From, to: a.To, key: max(p.key, basis)}
		}
		return true
	})
}

// noteRemote records a remote write of a tracked anchor that matches its
// current range.
// Caller must hold t.mu.
func (t *Tracker) noteRemote(u Update, cur Anchor) {
	if u.Type != UpdateSet {
		return
	}
	sel, err := u.Discussion.DecodeSelection()
	if err != nil || sel.From() != cur.From || sel.To() != cur.To {
		return
	}
	p := t.persisted[u.ID]
	if p.from == cur.From && p.to == cur.To && u.Discussion.CurrentKey > p.key {
		p.key = u.Discussion.CurrentKey
		t.persisted[u.ID] = p
	}
}

// enqueue queues w for Run and counts it as a pending write.
// Caller must hold t.mu.
func (t *Tracker) enqueue(w write) {
	w.done = t.client.MarkPending()
	if !t.writes.Push(w) {
		w.done()
	}
}

func updatesOf(tr *editor.Transaction) []Update {
	v, ok := tr.GetMeta(MetaKey)
	if !ok {
		return nil
	}
	updates, _ := v.([]Update)
	return updates
}

// Anchors returns the live anchors ordered by start offset.
func (t *Tracker) Anchors() []Anchor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.anchors.All()
}

// Anchor returns the live anchor of a discussion.
func (t *Tracker) Anchor(id string) (Anchor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.anchors.Get(id)
}

// At returns the anchors touching [from, to], ordered by start offset.
func (t *Tracker) At(from, to int) []Anchor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.anchors.Overlapping(from, to)
}

// Decorations returns the render decorations of the live anchors.
func (t *Tracker) Decorations() []Decoration {
	return DecorationsFor(t.Anchors())
}

// Run subscribes to the branch's discussions and performs queued anchor
// writes until ctx is done. Remote events are batched and applied as one
// transaction per batch.
func (t *Tracker) Run(ctx context.Context) error {
	events, err := t.client.Remote().SubscribeDiscussions(ctx)
	if err != nil {
		return fmt.Errorf("subscribe discussions: %w", err)
	}

	agg := aggregator.New(t.applyRemote, t.aggOpts...)
	defer agg.Close()
	defer t.settleQueued()

	t.logger.Info("discussion tracker starting", "branch", t.client.BranchID())
	for {
		if w, ok := t.writes.TryPop(); ok {
			t.persist(ctx, w)
			continue
		}

		select {
		case <-ctx.Done():
			t.writes.Close()
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				t.logger.Warn("discussion subscription ended", "branch", t.client.BranchID())
				events = nil
				continue
			}
			agg.Enqueue(updateFromEvent(ev))

		case <-t.writes.Wait():
		}
	}
}

func updateFromEvent(ev record.DiscussionEvent) Update {
	if ev.Type == record.DiscussionRemoved {
		return Update{Type: UpdateRemove, ID: ev.ID}
	}
	return Update{Type: UpdateSet, ID: ev.ID, Discussion: ev.Discussion}
}

func (t *Tracker) applyRemote(batch []Update) {
	_, err := t.ed.Update(func(st *editor.State) (*editor.Transaction, error) {
		tr := st.Tr()
		tr.SetMeta(MetaKey, batch)
		return tr, nil
	})
	if err != nil {
		t.onError(fmt.Errorf("apply %d discussion updates: %w", len(batch), err))
	}
}

// persist writes one anchor unless the branch holds a newer write.
func (t *Tracker) persist(ctx context.Context, w write) {
	defer w.done()
	committed, err := t.client.Remote().UpdateDiscussion(ctx, w.id, writeBody(w))
	switch {
	case err != nil:
		metrics.DiscussionWrites.WithLabelValues(resultError).Inc()
		if ctx.Err() == nil {
			t.onError(fmt.Errorf("persist discussion %s: %w", w.id, err))
		}
	case committed:
		metrics.DiscussionWrites.WithLabelValues(resultCommitted).Inc()
		t.logger.Debug("discussion persisted", "id", w.id, "from", w.from, "to", w.to, "key", w.basis)
	default:
		metrics.DiscussionWrites.WithLabelValues(resultAborted).Inc()
		t.logger.Debug("discussion write superseded", "id", w.id, "key", w.basis)
	}
}

// writeBody is the compare-and-set body of an anchor write. It aborts when
// the stored discussion was mapped against a newer key, or when the
// discussion was removed and the write is not its creation.
func writeBody(w write) changelog.DiscussionUpdate {
	return func(existing *record.Discussion) *record.Discussion {
		var d *record.Discussion
		switch {
		case existing == nil && w.created == nil:
			return nil
		case existing == nil:
			d = w.created.Clone()
		case existing.CurrentKey > w.basis:
			return nil
		default:
			d = existing.Clone()
		}
		d.CurrentKey = w.basis
		if err := d.SetSelection(record.Selection{Anchor: w.from, Head: w.to, Type: record.SelectionTypeText}); err != nil {
			return nil
		}
		return d
	}
}

// settleQueued releases the pending marks of writes that never ran.
func (t *Tracker) settleQueued() {
	for {
		w, ok := t.writes.TryPop()
		if !ok {
			return
		}
		w.done()
	}
}
