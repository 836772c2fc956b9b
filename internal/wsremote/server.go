package wsremote

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/quill/internal/changelog"
	"github.com/roach88/quill/internal/metrics"
)

// Server exposes the branches of a backend to websocket clients.
type Server struct {
	backend  changelog.Backend
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer returns a handler serving backend's branches.
func NewServer(backend changelog.Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend: backend,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	branchID := r.URL.Query().Get("branch")
	if branchID == "" {
		http.Error(w, "missing branch", http.StatusBadRequest)
		return
	}
	branch, err := s.backend.Branch(branchID)
	if err != nil {
		s.logger.Error("open branch", "branch", branchID, "error", err)
		http.Error(w, "branch unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	metrics.Connections.Inc()
	defer metrics.Connections.Dec()

	c := &serverConn{
		ws:     ws,
		branch: branch,
		logger: s.logger.With("branch", branchID, "remote", r.RemoteAddr),
		subs:   make(map[uint64]context.CancelFunc),
	}
	c.serve(r.Context())
}

// serverConn is one client connection. Requests run concurrently; writes
// are serialised by writeMu since a websocket allows one writer.
type serverConn struct {
	ws     *websocket.Conn
	branch changelog.Branch
	logger *slog.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[uint64]context.CancelFunc
}

func (c *serverConn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		c.ws.Close()
	}()

	c.logger.Info("client connected")
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("client read failed", "error", err)
			} else {
				c.logger.Info("client disconnected")
			}
			return
		}
		req, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.handle(ctx, req)
		}()
	}
}

func (c *serverConn) write(f frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *serverConn) reply(req frame, resp frame, err error) {
	resp.ID = req.ID
	resp.Op = opResult
	if err != nil {
		resp = errorFrame(resp, err)
	}
	if werr := c.write(resp); werr != nil {
		c.logger.Debug("write response failed", "op", req.Op, "error", werr)
	}
}

func (c *serverConn) handle(ctx context.Context, req frame) {
	switch req.Op {
	case opRange:
		records, err := c.branch.Range(ctx, req.Start)
		c.reply(req, frame{Records: records}, err)

	case opClaim:
		if req.Record == nil {
			c.reply(req, frame{}, errMissing("record"))
			return
		}
		ok, err := c.branch.Claim(ctx, req.Key, *req.Record)
		c.reply(req, frame{OK: ok}, err)

	case opGetDiscussion:
		d, rev, err := c.branch.GetDiscussion(ctx, req.DiscussionID)
		c.reply(req, frame{Discussion: d, Rev: rev}, err)

	case opPutDiscussionIf:
		if req.Discussion == nil {
			c.reply(req, frame{}, errMissing("discussion"))
			return
		}
		ok, err := c.branch.PutDiscussionIf(ctx, req.DiscussionID, req.Discussion, req.Rev)
		c.reply(req, frame{OK: ok}, err)

	case opRemoveDiscussion:
		c.reply(req, frame{}, c.branch.RemoveDiscussion(ctx, req.DiscussionID))

	case opStoreCheckpoint:
		if req.Checkpoint == nil {
			c.reply(req, frame{}, errMissing("checkpoint"))
			return
		}
		c.reply(req, frame{}, c.branch.StoreCheckpoint(ctx, *req.Checkpoint))

	case opLatestCheckpoint:
		cp, ok, err := c.branch.LatestCheckpoint(ctx)
		resp := frame{OK: ok}
		if ok {
			resp.Checkpoint = &cp
		}
		c.reply(req, resp, err)

	case opSubscribeChanges:
		subCtx := c.startSub(ctx, req.Sub)
		ch, err := c.branch.SubscribeChanges(subCtx, req.Start)
		if err != nil {
			c.stopSub(req.Sub)
			c.reply(req, frame{}, err)
			return
		}
		c.reply(req, frame{}, nil)
		for kr := range ch {
			if err := c.write(frame{Op: opChange, Sub: req.Sub, Change: &kr}); err != nil {
				break
			}
		}
		c.endSub(req.Sub)

	case opSubscribeDiscussions:
		subCtx := c.startSub(ctx, req.Sub)
		ch, err := c.branch.SubscribeDiscussions(subCtx)
		if err != nil {
			c.stopSub(req.Sub)
			c.reply(req, frame{}, err)
			return
		}
		c.reply(req, frame{}, nil)
		for ev := range ch {
			if err := c.write(frame{Op: opDiscussion, Sub: req.Sub, Event: &ev}); err != nil {
				break
			}
		}
		c.endSub(req.Sub)

	case opUnsubscribe:
		c.stopSub(req.Sub)
		c.reply(req, frame{}, nil)

	default:
		c.reply(req, frame{}, errUnknownOp(req.Op))
	}
}

func (c *serverConn) startSub(ctx context.Context, sub uint64) context.Context {
	subCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if prev, ok := c.subs[sub]; ok {
		prev()
	}
	c.subs[sub] = cancel
	c.mu.Unlock()
	return subCtx
}

func (c *serverConn) stopSub(sub uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.subs[sub]; ok {
		cancel()
		delete(c.subs, sub)
	}
}

func (c *serverConn) endSub(sub uint64) {
	c.stopSub(sub)
	if err := c.write(frame{Op: opEnd, Sub: sub}); err != nil {
		c.logger.Debug("write end failed", "sub", sub, "error", err)
	}
}
