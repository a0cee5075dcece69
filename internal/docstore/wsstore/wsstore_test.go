package wsstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore/docstoretest"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/storeproto"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/storeserver"
)

func startServer(t *testing.T, backend docstore.Store) *httptest.Server {
	t.Helper()
	srv := storeserver.New(storeserver.Config{Store: backend})
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		_ = backend.Close()
	})
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + storeproto.Path
}

func dial(t *testing.T, ts *httptest.Server) *Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Dial(ctx, wsURL(ts), nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	docstoretest.Run(t, func(t *testing.T) docstore.Store {
		return dial(t, startServer(t, docstore.NewMemory()))
	})
}

func TestTwoClientsShareBackend(t *testing.T) {
	ts := startServer(t, docstore.NewMemory())
	caller := dial(t, ts)
	defer caller.Close()
	callee := dial(t, ts)
	defer callee.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ref := caller.NewDoc("calls")
	snaps := make(chan docstore.DocSnapshot, 8)
	unsub, err := caller.SubscribeDoc(ctx, ref, func(s docstore.DocSnapshot) { snaps <- s }, nil)
	if err != nil {
		t.Fatalf("SubscribeDoc: %v", err)
	}
	defer unsub()
	if first := <-snaps; first.Exists {
		t.Fatalf("first snapshot of unwritten doc exists: %+v", first)
	}

	if err := caller.Create(ctx, ref, docstore.Fields{"offer": json.RawMessage(`{"type":"offer","sdp":"o"}`)}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := callee.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get from second client: %v", err)
	}
	if !got.Has("offer") || got.Ref != ref {
		t.Fatalf("snapshot=%+v", got)
	}

	if err := callee.Update(ctx, ref, docstore.Fields{"answer": json.RawMessage(`{"type":"answer","sdp":"a"}`)},
		docstore.FieldPresent("offer"), docstore.FieldAbsent("answer")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	for {
		select {
		case s := <-snaps:
			if s.Has("answer") {
				return
			}
		case <-ctx.Done():
			t.Fatalf("caller never observed the answer")
		}
	}
}

func TestServerGoneFailsEverything(t *testing.T) {
	ts := startServer(t, docstore.NewMemory())
	s := dial(t, ts)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ref := s.NewDoc("calls")
	errs := make(chan error, 1)
	if _, err := s.SubscribeCollection(ctx, ref.Sub("offerCandidates"), func(docstore.Entry) {}, func(err error) { errs <- err }); err != nil {
		t.Fatalf("SubscribeCollection: %v", err)
	}

	ts.CloseClientConnections()

	select {
	case err := <-errs:
		if !errors.Is(err, docstore.ErrUnavailable) {
			t.Fatalf("err=%v, want %v", err, docstore.ErrUnavailable)
		}
	case <-ctx.Done():
		t.Fatalf("subscription did not observe the dropped connection")
	}
	if _, err := s.Get(ctx, ref); !errors.Is(err, docstore.ErrUnavailable) {
		t.Fatalf("Get: err=%v, want %v", err, docstore.ErrUnavailable)
	}
}

func TestDialUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1"+storeproto.Path, nil, nil)
	if !errors.Is(err, docstore.ErrUnavailable) {
		t.Fatalf("err=%v, want %v", err, docstore.ErrUnavailable)
	}
}
