// Package wsstore is a docstore.Store client for the store server. All
// requests and subscriptions share one WebSocket; when it drops, every
// pending request and subscription fails with docstore.ErrUnavailable.
package wsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/storeproto"
)

const wsWriteWait = 5 * time.Second

type Store struct {
	ws  *websocket.Conn
	log *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan storeproto.Message
	subs    map[uint64]*subscription
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

var _ docstore.Store = (*Store)(nil)

// Dial connects to the store server at url (ws:// or wss://, including the
// /v1/store path).
func Dial(ctx context.Context, url string, header http.Header, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", docstore.ErrUnavailable, url, err)
	}
	s := &Store{
		ws:      ws,
		log:     logger.With("component", "wsstore"),
		pending: make(map[uint64]chan storeproto.Message),
		subs:    make(map[uint64]*subscription),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *Store) readLoop() {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("%w: connection lost: %v", docstore.ErrUnavailable, err))
			return
		}
		var msg storeproto.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("dropping malformed message", "err", err)
			continue
		}
		if msg.Event != "" {
			s.dispatch(msg)
			continue
		}
		if msg.ID == 0 && msg.Error != nil {
			// Connection-level rejection; the server closes right after.
			s.log.Warn("store server rejected connection", "code", msg.Error.Code, "message", msg.Error.Message)
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[msg.ID]
		delete(s.pending, msg.ID)
		s.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (s *Store) dispatch(msg storeproto.Message) {
	s.mu.Lock()
	sub, ok := s.subs[msg.SubID]
	if ok && msg.Event == storeproto.EventError {
		delete(s.subs, msg.SubID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	switch msg.Event {
	case storeproto.EventDoc:
		if msg.Snapshot != nil && sub.doc != nil {
			snap := *msg.Snapshot
			snap.Ref = sub.ref
			sub.post(func() { sub.doc(snap) })
		}
	case storeproto.EventEntry:
		if msg.Entry != nil && sub.entry != nil {
			e := *msg.Entry
			sub.post(func() { sub.entry(e) })
		}
	case storeproto.EventError:
		var err error = &storeproto.Error{Code: storeproto.CodeUnavailable, Message: "subscription ended"}
		if msg.Error != nil {
			err = msg.Error
		}
		sub.end(err)
	}
}

// fail records the first terminal error and releases everything waiting on
// the connection.
func (s *Store) fail(err error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	subs := s.subs
	s.subs = map[uint64]*subscription{}
	s.pending = map[uint64]chan storeproto.Message{}
	s.mu.Unlock()

	close(s.done)
	for _, sub := range subs {
		sub.end(err)
	}
}

func (s *Store) register(sub *subscription) (uint64, chan storeproto.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, nil, s.err
	}
	s.nextID++
	id := s.nextID
	ch := make(chan storeproto.Message, 1)
	s.pending[id] = ch
	if sub != nil {
		s.subs[id] = sub
	}
	return id, ch, nil
}

func (s *Store) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	delete(s.subs, id)
	s.mu.Unlock()
}

func (s *Store) write(req storeproto.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: %v", docstore.ErrInvalidArgument, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		err = fmt.Errorf("%w: write: %v", docstore.ErrUnavailable, err)
		s.fail(err)
		return s.terminal(err)
	}
	return nil
}

func (s *Store) terminal(fallback error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return fallback
}

func (s *Store) roundTrip(ctx context.Context, req storeproto.Request, sub *subscription) (storeproto.Message, error) {
	id, ch, err := s.register(sub)
	if err != nil {
		return storeproto.Message{}, err
	}
	req.ID = id
	if err := s.write(req); err != nil {
		s.forget(id)
		return storeproto.Message{}, err
	}
	select {
	case msg := <-ch:
		if msg.Error != nil {
			s.forget(id)
			return msg, msg.Error
		}
		return msg, nil
	case <-s.done:
		return storeproto.Message{}, s.terminal(docstore.ErrClosed)
	case <-ctx.Done():
		s.forget(id)
		return storeproto.Message{}, ctx.Err()
	}
}

func validFields(fields docstore.Fields) error {
	for k, v := range fields {
		if !json.Valid(v) {
			return fmt.Errorf("%w: field %q is not JSON", docstore.ErrInvalidArgument, k)
		}
	}
	return nil
}

func (s *Store) NewDoc(collection string) docstore.DocRef {
	return docstore.NewDocRef(collection)
}

func (s *Store) Create(ctx context.Context, ref docstore.DocRef, fields docstore.Fields) error {
	if err := docstore.ValidateDoc(ref); err != nil {
		return err
	}
	if err := validFields(fields); err != nil {
		return err
	}
	_, err := s.roundTrip(ctx, storeproto.Request{
		Op: storeproto.OpCreate, Collection: ref.Collection, DocID: ref.ID, Fields: fields,
	}, nil)
	return err
}

func (s *Store) Get(ctx context.Context, ref docstore.DocRef) (docstore.DocSnapshot, error) {
	if err := docstore.ValidateDoc(ref); err != nil {
		return docstore.DocSnapshot{}, err
	}
	msg, err := s.roundTrip(ctx, storeproto.Request{
		Op: storeproto.OpGet, Collection: ref.Collection, DocID: ref.ID,
	}, nil)
	if err != nil {
		return docstore.DocSnapshot{}, err
	}
	if msg.Snapshot == nil {
		return docstore.DocSnapshot{}, fmt.Errorf("%w: get reply without snapshot", docstore.ErrUnavailable)
	}
	snap := *msg.Snapshot
	snap.Ref = ref
	return snap, nil
}

func (s *Store) Update(ctx context.Context, ref docstore.DocRef, patch docstore.Fields, conds ...docstore.Condition) error {
	if err := docstore.ValidateDoc(ref); err != nil {
		return err
	}
	if err := validFields(patch); err != nil {
		return err
	}
	_, err := s.roundTrip(ctx, storeproto.Request{
		Op: storeproto.OpUpdate, Collection: ref.Collection, DocID: ref.ID, Fields: patch, Conditions: conds,
	}, nil)
	return err
}

func (s *Store) Append(ctx context.Context, ref docstore.CollectionRef, data json.RawMessage) (docstore.Entry, error) {
	if err := docstore.ValidateCollection(ref); err != nil {
		return docstore.Entry{}, err
	}
	if !json.Valid(data) {
		return docstore.Entry{}, fmt.Errorf("%w: entry data is not JSON", docstore.ErrInvalidArgument)
	}
	msg, err := s.roundTrip(ctx, storeproto.Request{
		Op: storeproto.OpAppend, Collection: ref.Parent.Collection, DocID: ref.Parent.ID, Sub: ref.Name, Data: data,
	}, nil)
	if err != nil {
		return docstore.Entry{}, err
	}
	if msg.Entry == nil {
		return docstore.Entry{}, fmt.Errorf("%w: append reply without entry", docstore.ErrUnavailable)
	}
	return *msg.Entry, nil
}

func (s *Store) SubscribeDoc(ctx context.Context, ref docstore.DocRef, fn func(docstore.DocSnapshot), onErr func(error)) (docstore.Unsubscribe, error) {
	if err := docstore.ValidateDoc(ref); err != nil {
		return nil, err
	}
	sub := &subscription{ref: ref, doc: fn, onErr: onErr}
	return s.subscribe(ctx, storeproto.Request{
		Op: storeproto.OpSubscribeDoc, Collection: ref.Collection, DocID: ref.ID,
	}, sub)
}

func (s *Store) SubscribeCollection(ctx context.Context, ref docstore.CollectionRef, fn func(docstore.Entry), onErr func(error)) (docstore.Unsubscribe, error) {
	if err := docstore.ValidateCollection(ref); err != nil {
		return nil, err
	}
	sub := &subscription{ref: ref.Parent, entry: fn, onErr: onErr}
	return s.subscribe(ctx, storeproto.Request{
		Op: storeproto.OpSubscribeCollection, Collection: ref.Parent.Collection, DocID: ref.Parent.ID, Sub: ref.Name,
	}, sub)
}

func (s *Store) subscribe(ctx context.Context, req storeproto.Request, sub *subscription) (docstore.Unsubscribe, error) {
	msg, err := s.roundTrip(ctx, req, sub)
	if err != nil {
		return nil, err
	}
	id := msg.ID

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			sub.stop()
			s.mu.Lock()
			_, active := s.subs[id]
			delete(s.subs, id)
			s.mu.Unlock()
			if active {
				s.unsubscribeRemote(id)
			}
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			unsub()
		case <-sub.finished():
		}
	}()
	return unsub, nil
}

// unsubscribeRemote tells the server to stop the subscription. The reply is
// not awaited; events still in flight are dropped because the subscription
// is no longer registered.
func (s *Store) unsubscribeRemote(id uint64) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.nextID++
	reqID := s.nextID
	s.mu.Unlock()
	_ = s.write(storeproto.Request{ID: reqID, Op: storeproto.OpUnsubscribe, SubID: id})
}

// Close ends every subscription with docstore.ErrClosed and closes the
// connection.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.fail(docstore.ErrClosed)
		s.writeMu.Lock()
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.ws.Close()
	})
	return nil
}
