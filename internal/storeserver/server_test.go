package storeserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/storeproto"
)

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, string) {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = docstore.NewMemory()
	}
	srv := New(cfg)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return ts, "ws" + strings.TrimPrefix(ts.URL, "http") + storeproto.Path
}

func dialWS(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readMessage(t *testing.T, c *websocket.Conn) storeproto.Message {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg storeproto.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return msg
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("err=%v, want close %d", err, code)
		}
		return
	}
}

func TestRequestResponse(t *testing.T) {
	_, url := newTestServer(t, Config{})
	c := dialWS(t, url, nil)

	_ = c.WriteJSON(map[string]any{"id": 1, "op": "get", "collection": "calls", "docId": "missing"})
	msg := readMessage(t, c)
	if msg.ID != 1 || msg.OK || msg.Error == nil || msg.Error.Code != storeproto.CodeNotFound {
		t.Fatalf("msg=%+v", msg)
	}

	_ = c.WriteJSON(map[string]any{"id": 2, "op": "create", "collection": "calls", "docId": "c1", "fields": map[string]any{"offer": map[string]string{"type": "offer", "sdp": "o"}}})
	if msg := readMessage(t, c); msg.ID != 2 || !msg.OK {
		t.Fatalf("create reply=%+v", msg)
	}

	_ = c.WriteJSON(map[string]any{"id": 3, "op": "append", "collection": "calls", "docId": "c1", "sub": "offerCandidates", "data": map[string]string{"candidate": "x"}})
	msg = readMessage(t, c)
	if msg.ID != 3 || !msg.OK || msg.Entry == nil || msg.Entry.Seq != 1 {
		t.Fatalf("append reply=%+v", msg)
	}
}

func TestSubscriptionEventsUseRequestID(t *testing.T) {
	_, url := newTestServer(t, Config{})
	c := dialWS(t, url, nil)

	_ = c.WriteJSON(map[string]any{"id": 9, "op": "subscribeDoc", "collection": "calls", "docId": "c1"})

	var sawReply, sawEvent bool
	for !sawReply || !sawEvent {
		msg := readMessage(t, c)
		switch {
		case msg.Event == storeproto.EventDoc:
			if msg.SubID != 9 || msg.Snapshot == nil || msg.Snapshot.Exists {
				t.Fatalf("event=%+v", msg)
			}
			sawEvent = true
		case msg.ID == 9:
			if !msg.OK || msg.SubID != 9 {
				t.Fatalf("reply=%+v", msg)
			}
			sawReply = true
		default:
			t.Fatalf("unexpected message %+v", msg)
		}
	}

	_ = c.WriteJSON(map[string]any{"id": 9, "op": "subscribeDoc", "collection": "calls", "docId": "c1"})
	if msg := readMessage(t, c); msg.Error == nil || msg.Error.Code != storeproto.CodeBadRequest {
		t.Fatalf("duplicate subscription reply=%+v", msg)
	}

	_ = c.WriteJSON(map[string]any{"id": 10, "op": "unsubscribe", "subId": 9})
	if msg := readMessage(t, c); msg.ID != 10 || !msg.OK {
		t.Fatalf("unsubscribe reply=%+v", msg)
	}
}

func TestMalformedRequestClosesConnection(t *testing.T) {
	m := metrics.New()
	_, url := newTestServer(t, Config{Metrics: m})
	c := dialWS(t, url, nil)

	_ = c.WriteMessage(websocket.TextMessage, []byte(`{"id":4,"op":"drop"}`))
	msg := readMessage(t, c)
	if msg.ID != 4 || msg.Error == nil || msg.Error.Code != storeproto.CodeBadRequest {
		t.Fatalf("msg=%+v", msg)
	}
	expectClose(t, c, websocket.ClosePolicyViolation)
	if got := m.Get(metrics.StoreBadRequests); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.StoreBadRequests, got)
	}
}

func TestRateLimit(t *testing.T) {
	m := metrics.New()
	_, url := newTestServer(t, Config{Metrics: m, MaxMessagesPerSecond: 2})
	c := dialWS(t, url, nil)

	for i := 1; i <= 3; i++ {
		_ = c.WriteJSON(map[string]any{"id": i, "op": "get", "collection": "calls", "docId": "x"})
	}
	readMessage(t, c)
	readMessage(t, c)
	msg := readMessage(t, c)
	if msg.Error == nil || msg.Error.Code != storeproto.CodeRateLimited {
		t.Fatalf("msg=%+v", msg)
	}
	expectClose(t, c, websocket.ClosePolicyViolation)
	if got := m.Get(metrics.StoreRateLimited); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.StoreRateLimited, got)
	}
}

func TestMessageTooLarge(t *testing.T) {
	_, url := newTestServer(t, Config{MaxMessageBytes: 64})
	c := dialWS(t, url, nil)

	_ = c.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"op":"append","collection":"calls","docId":"x","sub":"s","data":"`+strings.Repeat("a", 128)+`"}`))
	expectClose(t, c, websocket.CloseMessageTooBig)
}

func TestIdleTimeout(t *testing.T) {
	_, url := newTestServer(t, Config{IdleTimeout: 200 * time.Millisecond, PingInterval: time.Hour})
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	// Swallow pings so the client never answers with a pong.
	c.SetPingHandler(func(string) error { return nil })
	expectClose(t, c, websocket.CloseNormalClosure)
}

func TestOriginPolicy(t *testing.T) {
	_, url := newTestServer(t, Config{Origins: origin.Policy{AllowedOrigins: []string{"https://calls.example"}}})

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	if err == nil {
		t.Fatalf("dial with disallowed origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}

	c := dialWS(t, url, http.Header{"Origin": []string{"https://calls.example"}})
	_ = c.WriteJSON(map[string]any{"id": 1, "op": "get", "collection": "calls", "docId": "x"})
	readMessage(t, c)
}

func TestCountsConnections(t *testing.T) {
	m := metrics.New()
	_, url := newTestServer(t, Config{Metrics: m})
	c := dialWS(t, url, nil)
	_ = c.WriteJSON(map[string]any{"id": 1, "op": "get", "collection": "calls", "docId": "x"})
	readMessage(t, c)
	if got := m.Get(metrics.StoreConnections); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.StoreConnections, got)
	}
}

func TestCredentialRequired(t *testing.T) {
	m := metrics.New()
	_, url := newTestServer(t, Config{Metrics: m, Verifier: auth.APIKeyVerifier{Expected: "k"}})

	for _, header := range []http.Header{nil, auth.Header("wrong")} {
		_, resp, err := websocket.DefaultDialer.Dial(url, header)
		if err == nil {
			t.Fatalf("dial without a valid credential succeeded")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("resp=%v, want 401", resp)
		}
	}
	if got := m.Get(metrics.StoreAuthFailures); got != 2 {
		t.Fatalf("%s=%d, want 2", metrics.StoreAuthFailures, got)
	}

	c := dialWS(t, url, auth.Header("k"))
	_ = c.WriteJSON(map[string]any{"id": 1, "op": "get", "collection": "calls", "docId": "x"})
	readMessage(t, c)

	q := dialWS(t, url+"?token=k", nil)
	_ = q.WriteJSON(map[string]any{"id": 1, "op": "get", "collection": "calls", "docId": "x"})
	readMessage(t, q)
}
