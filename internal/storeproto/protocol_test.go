package storeproto

import (
	"errors"
	"fmt"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore"
)

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`{"id":7,"op":"update","collection":"calls","docId":"x","fields":{"answer":{"type":"answer","sdp":"v=0"}},"conditions":[{"field":"offer","present":true}]}`))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.ID != 7 || req.Op != OpUpdate || req.Doc().Path() != "calls/x" {
		t.Fatalf("req=%+v", req)
	}
	if len(req.Conditions) != 1 || req.Conditions[0] != docstore.FieldPresent("offer") {
		t.Fatalf("conditions=%+v", req.Conditions)
	}
}

func TestParseRequestRejects(t *testing.T) {
	for _, raw := range []string{
		`{"op":"get","collection":"calls","docId":"x"}`,
		`{"id":1,"op":"drop","collection":"calls","docId":"x"}`,
		`{"id":1,"op":"get","collection":"calls","docId":"x","extra":1}`,
		`{"id":1,"op":"get","collection":"calls","docId":"x"} {}`,
		`{"id":1,"op":"get","collection":"calls","docId":"x","conditions":[{"field":"a","present":true}]}`,
		`{"id":1,"op":"append","collection":"calls","docId":"x","sub":"offerCandidates"}`,
		`{"id":1,"op":"subscribeCollection","collection":"calls","docId":"x"}`,
		`{"id":1,"op":"unsubscribe"}`,
		`{"id":1,"op":"get","collection":"calls","docId":"a/b"}`,
	} {
		if _, err := ParseRequest([]byte(raw)); err == nil {
			t.Fatalf("ParseRequest(%s) succeeded", raw)
		}
	}
}

func TestErrorRoundTripsSentinels(t *testing.T) {
	for _, sentinel := range []error{
		docstore.ErrNotFound,
		docstore.ErrAlreadyExists,
		docstore.ErrConditionFailed,
		docstore.ErrInvalidArgument,
		docstore.ErrUnavailable,
	} {
		wire := ErrorFrom(fmt.Errorf("%w: calls/x", sentinel))
		if !errors.Is(wire, sentinel) {
			t.Fatalf("code %q does not unwrap to %v", wire.Code, sentinel)
		}
	}
	if got := ErrorFrom(errors.New("boom")).Code; got != CodeUnavailable {
		t.Fatalf("code=%q, want %q", got, CodeUnavailable)
	}
}
