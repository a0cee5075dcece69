// Package storeserver exposes a docstore.Store to remote call clients over
// WebSocket. Each connection may hold any number of subscriptions; all of
// them end when the connection does.
package storeserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/storeproto"
)

const (
	defaultMaxMessageBytes      = 256 * 1024
	defaultMaxMessagesPerSecond = 200
	defaultIdleTimeout          = 60 * time.Second
	defaultPingInterval         = 20 * time.Second

	wsWriteWait = 1 * time.Second
)

type Config struct {
	Store   docstore.Store
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Origins origin.Policy
	// Verifier checks the credential on every upgrade. Nil admits all.
	Verifier auth.Verifier

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	IdleTimeout          time.Duration
	PingInterval         time.Duration
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = defaultMaxMessagesPerSecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = min(defaultPingInterval, cfg.IdleTimeout/2)
	}
	s := &Server{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "storeserver"),
		conns: make(map[*conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			_, ok := cfg.Origins.Check(r)
			return ok
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+storeproto.Path, s.handleStore)
}

// Close drops every open connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		http.Error(w, "store not configured", http.StatusInternalServerError)
		return
	}
	if err := auth.Check(s.cfg.Verifier, r); err != nil {
		s.cfg.Metrics.Inc(metrics.StoreAuthFailures)
		s.log.Warn("store connection rejected", "remote_addr", r.RemoteAddr, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		srv:    s,
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		log:    s.log.With("remote_addr", r.RemoteAddr),
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.cfg.MaxMessagesPerSecond),
			int64(s.cfg.MaxMessagesPerSecond),
		),
		subs: make(map[uint64]docstore.Unsubscribe),
	}
	s.track(c)
	s.cfg.Metrics.Inc(metrics.StoreConnections)
	c.run()
}

type conn struct {
	srv     *Server
	ws      *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	log     *slog.Logger
	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[uint64]docstore.Unsubscribe

	closeOnce sync.Once
}

func (c *conn) run() {
	defer c.Close()

	cfg := c.srv.cfg
	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})
	go c.keepalive(cfg.PingInterval)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
			case isTimeout(err):
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

		// The message has already been consumed so the close frame below is
		// not lost to a TCP reset caused by unread data.
		if !c.limiter.Allow(1) {
			cfg.Metrics.Inc(metrics.StoreRateLimited)
			c.fail(0, storeproto.CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation)
			return
		}
		if msgType != websocket.TextMessage {
			cfg.Metrics.Inc(metrics.StoreBadRequests)
			c.fail(0, storeproto.CodeBadRequest, "expected text message", websocket.CloseUnsupportedData)
			return
		}

		req, err := storeproto.ParseRequest(data)
		if err != nil {
			cfg.Metrics.Inc(metrics.StoreBadRequests)
			c.fail(peekID(data), storeproto.CodeBadRequest, err.Error(), websocket.ClosePolicyViolation)
			return
		}
		if err := c.handle(req); err != nil {
			return
		}
	}
}

// handle executes one request. A non-nil return means the connection is
// broken and must be dropped.
func (c *conn) handle(req storeproto.Request) error {
	store := c.srv.cfg.Store
	ctx := c.ctx

	switch req.Op {
	case storeproto.OpCreate:
		return c.reply(req.ID, nil, store.Create(ctx, req.Doc(), req.Fields))
	case storeproto.OpGet:
		snap, err := store.Get(ctx, req.Doc())
		if err != nil {
			return c.reply(req.ID, nil, err)
		}
		return c.reply(req.ID, &storeproto.Message{Snapshot: &snap}, nil)
	case storeproto.OpUpdate:
		return c.reply(req.ID, nil, store.Update(ctx, req.Doc(), req.Fields, req.Conditions...))
	case storeproto.OpAppend:
		entry, err := store.Append(ctx, req.CollectionRef(), req.Data)
		if err != nil {
			return c.reply(req.ID, nil, err)
		}
		return c.reply(req.ID, &storeproto.Message{Entry: &entry}, nil)
	case storeproto.OpSubscribeDoc, storeproto.OpSubscribeCollection:
		return c.subscribe(req)
	case storeproto.OpUnsubscribe:
		c.subsMu.Lock()
		unsub, ok := c.subs[req.SubID]
		delete(c.subs, req.SubID)
		c.subsMu.Unlock()
		if ok {
			unsub()
		}
		return c.reply(req.ID, &storeproto.Message{SubID: req.SubID}, nil)
	}
	return c.reply(req.ID, nil, fmt.Errorf("%w: op %q", docstore.ErrInvalidArgument, req.Op))
}

// subscribe uses the request id as the subscription id, so events that race
// ahead of the response are already attributable on the client.
func (c *conn) subscribe(req storeproto.Request) error {
	subID := req.ID
	c.subsMu.Lock()
	_, dup := c.subs[subID]
	if !dup {
		c.subs[subID] = func() {}
	}
	c.subsMu.Unlock()
	if dup {
		return c.reply(req.ID, nil, fmt.Errorf("%w: subscription %d already active", docstore.ErrInvalidArgument, subID))
	}

	onErr := func(err error) {
		c.subsMu.Lock()
		delete(c.subs, subID)
		c.subsMu.Unlock()
		_ = c.send(storeproto.Message{Event: storeproto.EventError, SubID: subID, Error: storeproto.ErrorFrom(err)})
	}

	var (
		unsub docstore.Unsubscribe
		err   error
	)
	store := c.srv.cfg.Store
	if req.Op == storeproto.OpSubscribeDoc {
		unsub, err = store.SubscribeDoc(c.ctx, req.Doc(), func(snap docstore.DocSnapshot) {
			_ = c.send(storeproto.Message{Event: storeproto.EventDoc, SubID: subID, Snapshot: &snap})
		}, onErr)
	} else {
		unsub, err = store.SubscribeCollection(c.ctx, req.CollectionRef(), func(e docstore.Entry) {
			_ = c.send(storeproto.Message{Event: storeproto.EventEntry, SubID: subID, Entry: &e})
		}, onErr)
	}

	c.subsMu.Lock()
	if err != nil {
		delete(c.subs, subID)
	} else if _, ok := c.subs[subID]; ok {
		c.subs[subID] = unsub
	} else {
		// Ended through onErr before we got here.
		defer unsub()
	}
	c.subsMu.Unlock()

	if err != nil {
		return c.reply(req.ID, nil, err)
	}
	return c.reply(req.ID, &storeproto.Message{SubID: subID}, nil)
}

func (c *conn) reply(id uint64, msg *storeproto.Message, err error) error {
	out := storeproto.Message{}
	if msg != nil {
		out = *msg
	}
	out.ID = id
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) && !errors.Is(err, docstore.ErrAlreadyExists) && !errors.Is(err, docstore.ErrConditionFailed) {
			c.log.Warn("store request failed", "id", id, "err", err)
		}
		out.Error = storeproto.ErrorFrom(err)
	} else {
		out.OK = true
	}
	return c.send(out)
}

func (c *conn) send(msg storeproto.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		go c.Close()
		return err
	}
	return nil
}

func (c *conn) keepalive(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *conn) fail(id uint64, code, message string, closeCode int) {
	_ = c.send(storeproto.Message{ID: id, Error: &storeproto.Error{Code: code, Message: message}})
	c.closeWith(closeCode, code)
}

func (c *conn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.subsMu.Lock()
		subs := c.subs
		c.subs = map[uint64]docstore.Unsubscribe{}
		c.subsMu.Unlock()
		for _, unsub := range subs {
			unsub()
		}
		_ = c.ws.Close()
		c.srv.untrack(c)
	})
}

func peekID(data []byte) uint64 {
	var v struct {
		ID uint64 `json:"id"`
	}
	_ = json.Unmarshal(data, &v)
	return v.ID
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
