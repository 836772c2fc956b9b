// Package collab is the surface an editor shell uses to take part in a
// collaborative session.
//
// A Session owns one editor replica and wires it to a branch: the sync
// engine keeps the document converged with the change log and the
// discussion tracker keeps anchors attached to their text. Without a
// remote the session is a plain local editor whose sync status is
// Disabled.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/quill/internal/changelog"
	"github.com/roach88/quill/internal/discussions"
	"github.com/roach88/quill/internal/editor"
	"github.com/roach88/quill/internal/engine"
	"github.com/roach88/quill/internal/step"
)

var (
	// ErrNotEditable is returned for edits while the document is loading.
	ErrNotEditable = errors.New("document is not editable yet")

	// ErrOffline is returned for operations that need a remote.
	ErrOffline = errors.New("session has no remote")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

// sendMetaKeys are the transaction meta keys that still let a local edit
// be sent. Transactions carrying any other key belong to a plugin and are
// not sync-worthy on their own.
var sendMetaKeys = map[string]bool{
	editor.MetaHistory: true,
	editor.MetaPaste:   true,
	editor.MetaUIEvent: true,
}

type config struct {
	logger       *slog.Logger
	userID       string
	clientID     string
	doc          step.Doc
	key          int64
	idGen        changelog.IDGenerator
	onStatus     func(engine.Status)
	onHighestKey func(int64)
	onError      func(error)
	engineOpts   []engine.Option
	trackerOpts  []discussions.Option
}

// Option configures a Session.
type Option func(*config)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithUserID derives the client id from userID. Default: "anonymous".
func WithUserID(userID string) Option {
	return func(c *config) { c.userID = userID }
}

// WithClientID fixes the client id instead of deriving one.
func WithClientID(id string) Option {
	return func(c *config) { c.clientID = id }
}

// WithDocument starts the replica from doc, which must reflect every
// record up to key.
func WithDocument(doc step.Doc, key int64) Option {
	return func(c *config) {
		c.doc = doc
		c.key = key
	}
}

// WithIDGenerator sets the change record id source.
func WithIDGenerator(g changelog.IDGenerator) Option {
	return func(c *config) { c.idGen = g }
}

// OnStatusChange registers a callback for sync status changes. It must not
// block.
func OnStatusChange(fn func(engine.Status)) Option {
	return func(c *config) { c.onStatus = fn }
}

// OnUpdateHighestKey registers a callback for the highest applied key. It
// must not block.
func OnUpdateHighestKey(fn func(int64)) Option {
	return func(c *config) { c.onHighestKey = fn }
}

// OnError sets the single handler for every surfaced failure.
func OnError(fn func(error)) Option {
	return func(c *config) { c.onError = fn }
}

// WithEngineOptions passes options to the sync engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(c *config) { c.engineOpts = append(c.engineOpts, opts...) }
}

// WithTrackerOptions passes options to the discussion tracker.
func WithTrackerOptions(opts ...discussions.Option) Option {
	return func(c *config) { c.trackerOpts = append(c.trackerOpts, opts...) }
}

// Session is one collaborative editor replica.
//
// Thread-safety: all methods are safe for concurrent use.
type Session struct {
	cfg      config
	clientID string
	ed       *editor.Editor
	client   *changelog.Client
	engine   *engine.Engine
	tracker  *discussions.Tracker
	logger   *slog.Logger

	connected     chan struct{}
	connectedOnce sync.Once

	mu      sync.Mutex
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a session syncing through remote. A nil remote yields a
// local-only session.
func New(remote changelog.Remote, opts ...Option) *Session {
	cfg := config{
		logger: slog.Default(),
		userID: "anonymous",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.onError == nil {
		cfg.onError = func(err error) {
			cfg.logger.Error("collab error", "error", err)
		}
	}
	clientID := cfg.clientID
	if clientID == "" {
		clientID = changelog.NewClientID(cfg.userID)
	}

	s := &Session{
		cfg:       cfg,
		clientID:  clientID,
		ed:        editor.New(editor.NewState(cfg.doc, clientID)),
		logger:    cfg.logger.With("client", clientID),
		connected: make(chan struct{}),
	}

	if remote != nil {
		clientOpts := []changelog.Option{
			changelog.WithLogger(s.logger),
			changelog.WithErrorHandler(engine.DecodeErrorHandler(cfg.onError)),
		}
		if cfg.idGen != nil {
			clientOpts = append(clientOpts, changelog.WithIDGenerator(cfg.idGen))
		}
		s.client = changelog.NewClient(remote, cfg.key, clientOpts...)
		trackerOpts := append([]discussions.Option{
			discussions.WithLogger(s.logger),
			discussions.OnError(cfg.onError),
		}, cfg.trackerOpts...)
		s.tracker = discussions.New(s.client, s.ed, trackerOpts...)
	}

	engineOpts := append([]engine.Option{
		engine.WithLogger(s.logger),
		engine.OnStatusChange(s.statusChanged),
		engine.OnUpdateHighestKey(s.highestKeyChanged),
		engine.OnError(cfg.onError),
	}, cfg.engineOpts...)
	s.engine = engine.New(s.client, s.ed, engineOpts...)
	return s
}

// Open restores the replica from the branch's latest checkpoint and
// returns a session that catches up from there.
func Open(ctx context.Context, remote changelog.Remote, opts ...Option) (*Session, error) {
	doc, key, err := changelog.Restore(ctx, remote)
	if err != nil {
		return nil, err
	}
	return New(remote, append(opts, WithDocument(doc, key))...), nil
}

// Connect starts syncing in the background. The discussion tracker joins
// once the initial fetch has been applied. Connect returns at once; use
// Connected to wait for the document.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return fmt.Errorf("session already connected")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.engine.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.cfg.onError(err)
		}
	}()
	return nil
}

// Connected is closed once the initial document has been applied.
func (s *Session) Connected() <-chan struct{} {
	return s.connected
}

func (s *Session) statusChanged(st engine.Status) {
	if st != engine.StatusLoading {
		s.connectedOnce.Do(func() {
			close(s.connected)
			s.startTracker()
		})
	}
	if s.cfg.onStatus != nil {
		s.cfg.onStatus(st)
	}
}

func (s *Session) highestKeyChanged(key int64) {
	if s.cfg.onHighestKey != nil {
		s.cfg.onHighestKey(key)
	}
}

func (s *Session) startTracker() {
	if s.tracker == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctx == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.tracker.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.cfg.onError(err)
		}
	}()
	s.logger.Info("session connected", "key", s.engine.HighestKey())
}

// Editable reports whether local edits are accepted. The document is
// read-only until its initial state is loaded.
func (s *Session) Editable() bool {
	return s.engine.Status() != engine.StatusLoading
}

// Update builds and dispatches a local transaction. Sync-worthy
// transactions with steps trigger a send.
func (s *Session) Update(build func(st *editor.State) (*editor.Transaction, error)) error {
	if s.isClosed() {
		return ErrClosed
	}
	if !s.Editable() {
		return ErrNotEditable
	}
	tr, err := s.ed.Update(build)
	if err != nil {
		return err
	}
	if tr != nil && len(tr.Steps) > 0 && sendable(tr) {
		s.SendCollabChanges()
	}
	return nil
}

func sendable(tr *editor.Transaction) bool {
	for _, k := range tr.MetaKeys() {
		if !sendMetaKeys[k] {
			return false
		}
	}
	return true
}

// Edit applies steps as one local transaction.
func (s *Session) Edit(steps ...step.Step) error {
	return s.Update(func(st *editor.State) (*editor.Transaction, error) {
		tr := st.Tr()
		for _, stp := range steps {
			if err := tr.Step(stp); err != nil {
				return nil, err
			}
		}
		return tr, nil
	})
}

// Insert types text at pos.
func (s *Session) Insert(pos int, text string) error {
	return s.Update(func(st *editor.State) (*editor.Transaction, error) {
		tr := st.Tr()
		if err := tr.Step(step.Insert(pos, text)); err != nil {
			return nil, err
		}
		tr.SetMeta(editor.MetaUIEvent, "input")
		return tr, nil
	})
}

// Delete removes [from, to).
func (s *Session) Delete(from, to int) error {
	return s.Update(func(st *editor.State) (*editor.Transaction, error) {
		tr := st.Tr()
		if err := tr.Step(step.Delete(from, to)); err != nil {
			return nil, err
		}
		tr.SetMeta(editor.MetaUIEvent, "delete")
		return tr, nil
	})
}

// SendCollabChanges asks the engine to send unconfirmed local steps.
func (s *Session) SendCollabChanges() {
	s.engine.SendLocal()
}

// AddDiscussion anchors discussion id to [from, to).
func (s *Session) AddDiscussion(id string, from, to int) error {
	if s.tracker == nil {
		return ErrOffline
	}
	if s.isClosed() {
		return ErrClosed
	}
	return s.tracker.AddDiscussion(id, from, to)
}

// DiscussionsAt returns the ids of discussions whose range touches pos.
func (s *Session) DiscussionsAt(pos int) []string {
	if s.tracker == nil {
		return nil
	}
	anchors := s.tracker.At(pos, pos)
	ids := make([]string, len(anchors))
	for i, a := range anchors {
		ids[i] = a.ID
	}
	return ids
}

// Anchors returns the live discussion anchors ordered by start offset.
func (s *Session) Anchors() []discussions.Anchor {
	if s.tracker == nil {
		return nil
	}
	return s.tracker.Anchors()
}

// Decorations returns the discussion decorations to render.
func (s *Session) Decorations() []discussions.Decoration {
	if s.tracker == nil {
		return nil
	}
	return s.tracker.Decorations()
}

// Status returns the sync status.
func (s *Session) Status() engine.Status { return s.engine.Status() }

// HighestKey returns the highest log key applied to the document.
func (s *Session) HighestKey() int64 { return s.engine.HighestKey() }

// Text returns the current document.
func (s *Session) Text() string { return s.ed.Text() }

// ClientID returns the id authoring this replica's steps.
func (s *Session) ClientID() string { return s.clientID }

// PendingCount returns the number of unsettled remote writes.
func (s *Session) PendingCount() int {
	if s.client == nil {
		return 0
	}
	return s.client.PendingCount()
}

// Editor returns the underlying editor.
func (s *Session) Editor() *editor.Editor { return s.ed }

// Close stops syncing and waits for background work to finish. Later
// callbacks are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.engine.Stop()
	s.wg.Wait()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
