package docstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore/docstoretest"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
)

func TestMemoryConformance(t *testing.T) {
	docstoretest.Run(t, func(t *testing.T) docstore.Store {
		return docstore.NewMemory()
	})
}

func TestInstrumentedConformance(t *testing.T) {
	docstoretest.Run(t, func(t *testing.T) docstore.Store {
		return docstore.Instrument(docstore.NewMemory(), metrics.New())
	})
}

func TestInstrumentCountsOps(t *testing.T) {
	m := metrics.New()
	s := docstore.Instrument(docstore.NewMemory(), m)
	defer s.Close()

	ctx := context.Background()
	ref := s.NewDoc("calls")
	if err := s.Create(ctx, ref, docstore.Fields{"offer": json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Get(ctx, s.NewDoc("calls")); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("Get: err=%v, want %v", err, docstore.ErrNotFound)
	}
	unsub, err := s.SubscribeDoc(ctx, ref, func(docstore.DocSnapshot) {}, nil)
	if err != nil {
		t.Fatalf("SubscribeDoc: %v", err)
	}
	unsub()

	if got := m.Get(metrics.StoreOp); got != 3 {
		t.Fatalf("%s=%d, want 3", metrics.StoreOp, got)
	}
	if got := m.Get(metrics.StoreOpError); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.StoreOpError, got)
	}
	if got := m.Get(metrics.StoreSubscriptions); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.StoreSubscriptions, got)
	}
}

func TestParsePath(t *testing.T) {
	ref, sub, err := docstore.ParsePath("calls/abc/offerCandidates")
	if err != nil {
		t.Fatalf("ParsePath: %v", err)
	}
	if ref.Collection != "calls" || ref.ID != "abc" || sub != "offerCandidates" {
		t.Fatalf("ref=%+v sub=%q", ref, sub)
	}
	if got := ref.Sub(sub).Path(); got != "calls/abc/offerCandidates" {
		t.Fatalf("Path=%q", got)
	}

	for _, bad := range []string{"", "calls", "calls//x", "a/b/c/d"} {
		if _, _, err := docstore.ParsePath(bad); !errors.Is(err, docstore.ErrInvalidArgument) {
			t.Fatalf("ParsePath(%q): err=%v, want %v", bad, err, docstore.ErrInvalidArgument)
		}
	}
}

func TestConditionNullCountsAsAbsent(t *testing.T) {
	fields := docstore.Fields{"answer": json.RawMessage("null")}
	if !docstore.FieldAbsent("answer").Holds(fields) {
		t.Fatalf("null field should satisfy FieldAbsent")
	}
	if docstore.FieldPresent("answer").Holds(fields) {
		t.Fatalf("null field should not satisfy FieldPresent")
	}
}
