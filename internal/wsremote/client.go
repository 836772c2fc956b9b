package wsremote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/quill/internal/changelog"
	"github.com/roach88/quill/internal/record"
)

const (
	// maxUpdateAttempts bounds the read-modify-write loop of UpdateDiscussion.
	maxUpdateAttempts = 16

	unsubscribeTimeout = 5 * time.Second
)

var errUpdateContended = errors.New("discussion update kept losing to concurrent writers")

func errMissing(field string) error {
	return fmt.Errorf("request missing %s", field)
}

func errUnknownOp(op string) error {
	return fmt.Errorf("unknown op %q", op)
}

// Remote is a changelog.Branch reached over a websocket connection.
type Remote struct {
	ws     *websocket.Conn
	branch string
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan frame
	subs    map[uint64]func(frame)
	closed  bool
	done    chan struct{}
}

var _ changelog.Branch = (*Remote)(nil)

// Dial connects to the server at rawURL for branch.
func Dial(ctx context.Context, rawURL, branch string, logger *slog.Logger) (*Remote, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("branch", branch)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	r := &Remote{
		ws:      ws,
		branch:  branch,
		logger:  logger.With("branch", branch),
		pending: make(map[uint64]chan frame),
		subs:    make(map[uint64]func(frame)),
		done:    make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

// Close closes the connection. Pending calls fail with changelog.ErrClosed
// and subscriptions end.
func (r *Remote) Close() error {
	r.writeMu.Lock()
	_ = r.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	r.writeMu.Unlock()
	err := r.ws.Close()
	<-r.done
	return err
}

func (r *Remote) readLoop() {
	defer r.shutdown()
	for {
		_, data, err := r.ws.ReadMessage()
		if err != nil {
			r.logger.Debug("connection read ended", "error", err)
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			r.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		r.mu.Lock()
		if f.Op == opResult {
			ch, ok := r.pending[f.ID]
			delete(r.pending, f.ID)
			r.mu.Unlock()
			if ok {
				ch <- f
			}
			continue
		}
		push, ok := r.subs[f.Sub]
		if f.Op == opEnd {
			delete(r.subs, f.Sub)
		}
		r.mu.Unlock()
		if ok {
			push(f)
		}
	}
}

func (r *Remote) shutdown() {
	r.mu.Lock()
	r.closed = true
	subs := r.subs
	r.subs = make(map[uint64]func(frame))
	r.pending = make(map[uint64]chan frame)
	r.mu.Unlock()

	for sub, push := range subs {
		push(frame{Op: opEnd, Sub: sub})
	}
	close(r.done)
}

func (r *Remote) write(f frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.ws.WriteMessage(websocket.BinaryMessage, data)
}

// call sends req and waits for its response.
func (r *Remote) call(ctx context.Context, req frame) (frame, error) {
	ch := make(chan frame, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return frame{}, changelog.ErrClosed
	}
	r.nextID++
	req.ID = r.nextID
	r.pending[req.ID] = ch
	r.mu.Unlock()

	if err := r.write(req); err != nil {
		r.forget(req.ID)
		return frame{}, fmt.Errorf("%s: %w", req.Op, err)
	}

	select {
	case resp := <-ch:
		if err := frameError(resp); err != nil {
			return frame{}, fmt.Errorf("%s: %w", req.Op, err)
		}
		return resp, nil
	case <-ctx.Done():
		r.forget(req.ID)
		return frame{}, ctx.Err()
	case <-r.done:
		return frame{}, changelog.ErrClosed
	}
}

func (r *Remote) forget(id uint64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// subscribe opens a server subscription whose pushes extract turns into
// values. The hub buffers pushes so the read loop never blocks on a slow
// consumer.
func subscribe[T any](ctx context.Context, r *Remote, req frame, extract func(frame) (T, bool)) (<-chan T, error) {
	hub := changelog.NewHub[T]()
	out := hub.Subscribe(ctx)

	r.mu.Lock()
	r.nextID++
	sub := r.nextID
	r.subs[sub] = func(f frame) {
		if f.Op == opEnd {
			hub.Close()
			return
		}
		if v, ok := extract(f); ok {
			hub.Publish(v)
		}
	}
	r.mu.Unlock()

	req.Sub = sub
	if _, err := r.call(ctx, req); err != nil {
		r.mu.Lock()
		delete(r.subs, sub)
		r.mu.Unlock()
		hub.Close()
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-r.done:
			return
		}
		unsubCtx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		defer cancel()
		if _, err := r.call(unsubCtx, frame{Op: opUnsubscribe, Sub: sub}); err != nil {
			r.logger.Debug("unsubscribe failed", "sub", sub, "error", err)
		}
	}()
	return out, nil
}

// BranchID implements changelog.Log.
func (r *Remote) BranchID() string { return r.branch }

// Range implements changelog.Log.
func (r *Remote) Range(ctx context.Context, start int64) ([]changelog.KeyedRecord, error) {
	resp, err := r.call(ctx, frame{Op: opRange, Start: start})
	if err != nil {
		return nil, err
	}
	if resp.Records == nil {
		return []changelog.KeyedRecord{}, nil
	}
	return resp.Records, nil
}

// SubscribeChanges implements changelog.Log.
func (r *Remote) SubscribeChanges(ctx context.Context, start int64) (<-chan changelog.KeyedRecord, error) {
	return subscribe(ctx, r, frame{Op: opSubscribeChanges, Start: start}, func(f frame) (changelog.KeyedRecord, bool) {
		if f.Op != opChange || f.Change == nil {
			return changelog.KeyedRecord{}, false
		}
		return *f.Change, true
	})
}

// Claim implements changelog.Log.
func (r *Remote) Claim(ctx context.Context, key int64, rec record.ChangeRecord) (bool, error) {
	resp, err := r.call(ctx, frame{Op: opClaim, Key: key, Record: &rec})
	if err != nil {
		return false, err
	}
	return resp.OK, nil
}

// SubscribeDiscussions implements changelog.Discussions.
func (r *Remote) SubscribeDiscussions(ctx context.Context) (<-chan record.DiscussionEvent, error) {
	return subscribe(ctx, r, frame{Op: opSubscribeDiscussions}, func(f frame) (record.DiscussionEvent, bool) {
		if f.Op != opDiscussion || f.Event == nil {
			return record.DiscussionEvent{}, false
		}
		return *f.Event, true
	})
}

// UpdateDiscussion implements changelog.Discussions as an optimistic
// read-modify-write loop over GetDiscussion and PutDiscussionIf.
func (r *Remote) UpdateDiscussion(ctx context.Context, id string, fn changelog.DiscussionUpdate) (bool, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		existing, rev, err := r.GetDiscussion(ctx, id)
		if err != nil {
			return false, err
		}
		next := fn(existing)
		if next == nil {
			return false, nil
		}
		ok, err := r.PutDiscussionIf(ctx, id, next, rev)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, fmt.Errorf("update discussion %s: %w", id, errUpdateContended)
}

// RemoveDiscussion implements changelog.Discussions.
func (r *Remote) RemoveDiscussion(ctx context.Context, id string) error {
	_, err := r.call(ctx, frame{Op: opRemoveDiscussion, DiscussionID: id})
	return err
}

// GetDiscussion implements changelog.VersionedDiscussions.
func (r *Remote) GetDiscussion(ctx context.Context, id string) (*record.Discussion, int64, error) {
	resp, err := r.call(ctx, frame{Op: opGetDiscussion, DiscussionID: id})
	if err != nil {
		return nil, 0, err
	}
	return resp.Discussion, resp.Rev, nil
}

// PutDiscussionIf implements changelog.VersionedDiscussions.
func (r *Remote) PutDiscussionIf(ctx context.Context, id string, d *record.Discussion, rev int64) (bool, error) {
	resp, err := r.call(ctx, frame{Op: opPutDiscussionIf, DiscussionID: id, Discussion: d, Rev: rev})
	if err != nil {
		return false, err
	}
	return resp.OK, nil
}

// StoreCheckpoint implements changelog.Checkpoints.
func (r *Remote) StoreCheckpoint(ctx context.Context, cp record.Checkpoint) error {
	_, err := r.call(ctx, frame{Op: opStoreCheckpoint, Checkpoint: &cp})
	return err
}

// LatestCheckpoint implements changelog.Checkpoints.
func (r *Remote) LatestCheckpoint(ctx context.Context) (record.Checkpoint, bool, error) {
	resp, err := r.call(ctx, frame{Op: opLatestCheckpoint})
	if err != nil {
		return record.Checkpoint{}, false, err
	}
	if !resp.OK || resp.Checkpoint == nil {
		return record.Checkpoint{}, false, nil
	}
	return *resp.Checkpoint, true, nil
}
