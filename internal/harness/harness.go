package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/quill/internal/changelog"
	"github.com/roach88/quill/internal/collab"
	"github.com/roach88/quill/internal/engine"
	"github.com/roach88/quill/internal/store"
)

// fixedNow keeps record timestamps identical across runs.
var fixedNow = time.UnixMilli(1700000000000)

const (
	defaultTimeout = 5 * time.Second
	pollInterval   = 5 * time.Millisecond
)

// Option configures a harness run.
type Option func(*Harness)

// WithLogger sets the logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithTimeout bounds how long the clients may take to converge after a
// step. Default: 5s.
func WithTimeout(d time.Duration) Option {
	return func(h *Harness) { h.timeout = d }
}

// WithStorePath runs the scenario against a SQLite file instead of an
// in-memory database.
func WithStorePath(path string) Option {
	return func(h *Harness) { h.storePath = path }
}

// WithSessionOptions passes options to every client session.
func WithSessionOptions(opts ...collab.Option) Option {
	return func(h *Harness) { h.sessionOpts = append(h.sessionOpts, opts...) }
}

// Harness runs one scenario.
type Harness struct {
	scenario    *Scenario
	logger      *slog.Logger
	timeout     time.Duration
	storePath   string
	sessionOpts []collab.Option

	branch   *store.Branch
	sessions map[string]*collab.Session

	mu        sync.Mutex
	asyncErrs []string
	settled   bool
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database. Clients connect in
// order and every step is followed by a wait for convergence: all clients
// idle at the branch's highest key with nothing pending and identical text
// and anchors. A scenario that fails to converge is an error; failed
// assertions are reported in the result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario:  scenario,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout:   defaultTimeout,
		storePath: ":memory:",
		sessions:  make(map[string]*collab.Session, len(scenario.Clients)),
	}
	for _, opt := range opts {
		opt(h)
	}

	st, err := store.Open(h.storePath, store.WithNow(func() time.Time { return fixedNow }))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	branchID := scenario.Branch
	if branchID == "" {
		branchID = "main"
	}
	h.branch, err = st.OpenBranch(branchID)
	if err != nil {
		return nil, err
	}

	defer h.closeSessions()
	if err := h.connect(ctx); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
		if err := h.settle(ctx); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
		ref := h.sessions[scenario.Clients[0]]
		result.AddStepTrace(step.Op, step.Client, ref.HighestKey(), ref.Text(), anchorsOf(ref))
		h.logger.Info("step completed", "step", i, "op", step.Op, "client", step.Client, "key", ref.HighestKey())
	}

	final, err := h.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	result.Final = final

	h.mu.Lock()
	h.settled = true
	for _, e := range h.asyncErrs {
		result.AddError(e)
	}
	h.mu.Unlock()

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) connect(ctx context.Context) error {
	for _, id := range h.scenario.Clients {
		opts := append([]collab.Option{
			collab.WithLogger(h.logger),
		}, h.sessionOpts...)
		opts = append(opts,
			collab.WithClientID(id),
			collab.WithIDGenerator(changelog.NewSequenceGenerator(id)),
			collab.OnError(h.recordError(id)),
		)
		s := collab.New(h.branch, opts...)
		h.sessions[id] = s
		if err := s.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", id, err)
		}
		select {
		case <-s.Connected():
		case <-time.After(h.timeout):
			return fmt.Errorf("client %s did not load within %s", id, h.timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *Harness) recordError(client string) func(error) {
	return func(err error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if !h.settled {
			h.asyncErrs = append(h.asyncErrs, fmt.Sprintf("%s: %v", client, err))
		}
	}
}

func (h *Harness) closeSessions() {
	h.mu.Lock()
	h.settled = true
	h.mu.Unlock()
	for _, s := range h.sessions {
		s.Close()
	}
}

// execute applies one step without waiting for it to sync.
func (h *Harness) execute(step Step) error {
	if step.Op == OpConcurrent {
		for i, inner := range step.Steps {
			if err := h.execute(inner); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
		}
		return nil
	}

	s := h.sessions[step.Client]
	switch step.Op {
	case OpInsert:
		return s.Insert(step.Pos, step.Text)
	case OpDelete:
		return s.Delete(step.From, step.To)
	case OpDiscuss:
		return s.AddDiscussion(step.ID, step.From, step.To)
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
}

// settle polls until every client has converged.
func (h *Harness) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		reason, err := h.diverged(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("clients did not converge within %s", h.timeout)
			}
			return err
		}
		if reason == "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("clients did not converge within %s: %s", h.timeout, reason)
		case <-ticker.C:
		}
	}
}

// diverged returns why the clients have not converged yet, or "" once
// they have.
func (h *Harness) diverged(ctx context.Context) (string, error) {
	high, err := h.branch.HighestKey(ctx)
	if err != nil {
		return "", err
	}

	ref := h.sessions[h.scenario.Clients[0]]
	refText, refAnchors := ref.Text(), anchorsOf(ref)
	for _, id := range h.scenario.Clients {
		s := h.sessions[id]
		switch {
		case s.Status() != engine.StatusIdle:
			return fmt.Sprintf("%s is %s", id, s.Status()), nil
		case s.Editor().Sendable() != nil:
			return fmt.Sprintf("%s has unsent steps", id), nil
		case s.PendingCount() > 0:
			return fmt.Sprintf("%s has %d pending writes", id, s.PendingCount()), nil
		case s.HighestKey() != high:
			return fmt.Sprintf("%s is at key %d of %d", id, s.HighestKey(), high), nil
		case s.Text() != refText:
			return fmt.Sprintf("%s shows %q, %s shows %q", id, s.Text(), ref.ClientID(), refText), nil
		case !slices.Equal(anchorsOf(s), refAnchors):
			return fmt.Sprintf("%s tracks %v, %s tracks %v", id, anchorsOf(s), ref.ClientID(), refAnchors), nil
		}
	}
	return "", nil
}

func (h *Harness) snapshot(ctx context.Context) (State, error) {
	ref := h.sessions[h.scenario.Clients[0]]
	state := State{
		Text:    ref.Text(),
		Key:     ref.HighestKey(),
		Anchors: anchorsOf(ref),
		Stored:  []Stored{},
		Clients: make(map[string]ClientState, len(h.sessions)),
	}
	for id, s := range h.sessions {
		state.Clients[id] = ClientState{Text: s.Text(), Key: s.HighestKey(), Anchors: anchorsOf(s)}
	}

	records, err := h.branch.Range(ctx, 1)
	if err != nil {
		return State{}, fmt.Errorf("read change log: %w", err)
	}
	state.Records = len(records)

	stored, err := h.branch.Discussions(ctx)
	if err != nil {
		return State{}, fmt.Errorf("read discussions: %w", err)
	}
	for id, d := range stored {
		sel, err := d.DecodeSelection()
		if err != nil {
			return State{}, fmt.Errorf("discussion %s: %w", id, err)
		}
		state.Stored = append(state.Stored, Stored{ID: id, From: sel.From(), To: sel.To(), CurrentKey: d.CurrentKey})
	}
	slices.SortFunc(state.Stored, func(a, b Stored) int { return strings.Compare(a.ID, b.ID) })
	return state, nil
}

func anchorsOf(s *collab.Session) []Anchor {
	live := s.Anchors()
	out := make([]Anchor, len(live))
	for i, a := range live {
		out[i] = Anchor{ID: a.ID, From: a.From, To: a.To}
	}
	return out
}
