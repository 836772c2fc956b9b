package changelog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/quill/internal/metrics"
	"github.com/roach88/quill/internal/record"
	"github.com/roach88/quill/internal/step"
)

// ReceivedChange is a batch of confirmed steps delivered to the document.
// ClientIDs[i] authored Steps[i], which came from the record at Keys[i].
// HighestKey is the largest log key the batch covers, including records
// that failed to decode.
type ReceivedChange struct {
	Steps      []step.Step
	ClientIDs  []string
	Keys       []int64
	HighestKey int64
}

// Records splits the change into one change per source record, in order.
// A change without Keys is returned whole.
func (rc ReceivedChange) Records() []ReceivedChange {
	if len(rc.Keys) != len(rc.Steps) || len(rc.Steps) == 0 {
		return []ReceivedChange{rc}
	}
	var out []ReceivedChange
	start := 0
	for i := 1; i <= len(rc.Steps); i++ {
		if i < len(rc.Steps) && rc.Keys[i] == rc.Keys[start] {
			continue
		}
		out = append(out, ReceivedChange{
			Steps:      rc.Steps[start:i],
			ClientIDs:  rc.ClientIDs[start:i],
			Keys:       rc.Keys[start:i],
			HighestKey: rc.Keys[start],
		})
		start = i
	}
	return out
}

// ReceiveFunc consumes received changes. Calls are sequential.
type ReceiveFunc func(ReceivedChange)

// DecodeError reports a log record whose steps could not be decoded. The
// record is skipped but its key still counts as seen.
type DecodeError struct {
	Key int64
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode record %d: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithErrorHandler sets the callback for errors that do not belong to a
// caller, such as undecodable records. Default: log at error level.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Client) { c.onError = fn }
}

// WithRegistry sets the step codec. Default: step.DefaultRegistry.
func WithRegistry(r *step.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithIDGenerator sets the record id source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Client) { c.ids = g }
}

// Client reads and appends one branch's change log on behalf of a single
// document replica.
//
// highestKnownKey is the key new appends are based on. It advances on the
// initial fetch, on a successful append, and through Advance once the
// document has applied received changes. Records delivered by the
// subscription do not advance it on their own: steps must never be based
// on a key whose changes the document has not applied yet.
//
// Thread-safety: all methods are safe for concurrent use.
type Client struct {
	remote     Remote
	registry   *step.Registry
	ids        IDGenerator
	logger     *slog.Logger
	onError    func(error)
	initialKey int64

	mu              sync.Mutex
	highestKnownKey int64
	lastSeen        int64

	pending atomic.Int64
}

// NewClient returns a client for remote whose document already reflects
// every record up to initialKey.
func NewClient(remote Remote, initialKey int64, opts ...Option) *Client {
	c := &Client{
		remote:          remote,
		registry:        step.DefaultRegistry,
		ids:             UUIDv7Generator{},
		logger:          slog.Default(),
		initialKey:      initialKey,
		highestKnownKey: initialKey,
		lastSeen:        initialKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.onError == nil {
		c.onError = func(err error) {
			c.logger.Error("change log error", "branch", c.remote.BranchID(), "error", err)
		}
	}
	return c
}

// Connect fetches the backlog, delivers it to onReceive as one merged
// change, then streams later records one change per record until ctx is
// done.
func (c *Client) Connect(ctx context.Context, onReceive ReceiveFunc) error {
	initial, err := c.FetchInitial(ctx)
	if err != nil {
		return err
	}
	onReceive(initial)
	return c.Subscribe(ctx, onReceive)
}

// FetchInitial reads every record after the initial key in one request and
// merges them in key order. Decode failures are reported and skipped.
func (c *Client) FetchInitial(ctx context.Context) (ReceivedChange, error) {
	records, err := c.remote.Range(ctx, c.initialKey+1)
	if err != nil {
		return ReceivedChange{}, fmt.Errorf("fetch initial records: %w", err)
	}
	// Backends may hand records over in storage order.
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })

	merged := ReceivedChange{HighestKey: c.initialKey}
	for _, kr := range records {
		merged.HighestKey = max(merged.HighestKey, kr.Key)
		steps, err := c.registry.DecodeAll(kr.Record.Steps)
		if err != nil {
			c.onError(&DecodeError{Key: kr.Key, Err: err})
			continue
		}
		merged.Steps = append(merged.Steps, steps...)
		for range steps {
			merged.ClientIDs = append(merged.ClientIDs, kr.Record.ClientID)
			merged.Keys = append(merged.Keys, kr.Key)
		}
	}

	c.mu.Lock()
	c.highestKnownKey = max(c.highestKnownKey, merged.HighestKey)
	c.lastSeen = max(c.lastSeen, merged.HighestKey)
	c.mu.Unlock()

	c.logger.Debug("initial records fetched",
		"branch", c.remote.BranchID(),
		"records", len(records),
		"steps", len(merged.Steps),
		"highest_key", merged.HighestKey,
	)
	return merged, nil
}

// Subscribe streams records after the last key seen, one change per record
// in key order, until ctx is done. onReceive runs on a single goroutine.
func (c *Client) Subscribe(ctx context.Context, onReceive ReceiveFunc) error {
	c.mu.Lock()
	start := c.lastSeen + 1
	c.mu.Unlock()

	ch, err := c.remote.SubscribeChanges(ctx, start)
	if err != nil {
		return fmt.Errorf("subscribe from key %d: %w", start, err)
	}

	go func() {
		for kr := range ch {
			c.mu.Lock()
			if kr.Key <= c.lastSeen {
				c.mu.Unlock()
				continue
			}
			c.lastSeen = kr.Key
			c.mu.Unlock()

			change := ReceivedChange{HighestKey: kr.Key}
			steps, err := c.registry.DecodeAll(kr.Record.Steps)
			if err != nil {
				// Still deliver the key so the document moves past it.
				c.onError(&DecodeError{Key: kr.Key, Err: err})
			} else {
				change.Steps = steps
				change.ClientIDs = make([]string, len(steps))
				change.Keys = make([]int64, len(steps))
				for i := range steps {
					change.ClientIDs[i] = kr.Record.ClientID
					change.Keys[i] = kr.Key
				}
			}
			onReceive(change)
		}
		c.logger.Debug("change subscription ended", "branch", c.remote.BranchID())
	}()
	return nil
}

// SendSteps appends steps as one record at HighestKnownKey()+1. committed
// is false when another record already holds that key; the caller decides
// whether and when to retry. The write is tracked as pending until it
// settles.
func (c *Client) SendSteps(ctx context.Context, steps []step.Step, clientID string) (committed bool, err error) {
	done := c.MarkPending()
	defer done()

	raws, err := c.registry.EncodeAll(steps)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	key := c.highestKnownKey + 1
	c.mu.Unlock()

	rec := record.ChangeRecord{
		ID:       c.ids.Generate(),
		ClientID: clientID,
		BranchID: c.remote.BranchID(),
		Steps:    raws,
	}

	start := time.Now()
	committed, err = c.remote.Claim(ctx, key, rec)
	metrics.ObserveCommit(start, committed, err)
	if err != nil {
		return false, fmt.Errorf("claim key %d: %w", key, err)
	}

	if committed {
		c.Advance(key)
	}
	c.logger.Debug("send steps",
		"branch", c.remote.BranchID(),
		"key", key,
		"steps", len(steps),
		"committed", committed,
	)
	return committed, nil
}

// MarkPending registers an outstanding remote write. The returned function
// settles it; calling it more than once has no further effect.
func (c *Client) MarkPending() (done func()) {
	c.pending.Add(1)
	metrics.PendingWrites.Inc()
	return sync.OnceFunc(func() {
		c.pending.Add(-1)
		metrics.PendingWrites.Dec()
	})
}

// PendingCount returns the number of unsettled remote writes.
func (c *Client) PendingCount() int {
	return int(c.pending.Load())
}

// HighestKnownKey returns the key new appends are based on.
func (c *Client) HighestKnownKey() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highestKnownKey
}

// Advance raises the highest known key to key. Lower keys are ignored.
func (c *Client) Advance(key int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key > c.highestKnownKey {
		c.highestKnownKey = key
	}
}

// Remote returns the backend the client talks to.
func (c *Client) Remote() Remote {
	return c.remote
}

// BranchID returns the branch the client follows.
func (c *Client) BranchID() string {
	return c.remote.BranchID()
}

func sortedIDs(m map[string]*record.Discussion) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
