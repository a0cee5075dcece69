package sqlitestore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore/docstoretest"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path, Options{PollInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	docstoretest.Run(t, func(t *testing.T) docstore.Store {
		return openTestStore(t, filepath.Join(t.TempDir(), "calls.db"))
	})
}

func TestSharedFileAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.db")
	writer := openTestStore(t, path)
	defer writer.Close()
	reader := openTestStore(t, path)
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ref := writer.NewDoc("calls")
	got := make(chan docstore.Entry, 8)
	unsub, err := reader.SubscribeCollection(ctx, ref.Sub("offerCandidates"), func(e docstore.Entry) { got <- e }, nil)
	if err != nil {
		t.Fatalf("SubscribeCollection: %v", err)
	}
	defer unsub()

	if _, err := writer.Append(ctx, ref.Sub("offerCandidates"), json.RawMessage(`{"candidate":"c1"}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	select {
	case e := <-got:
		if e.Seq != 1 || string(e.Data) != `{"candidate":"c1"}` {
			t.Fatalf("entry=%+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("entry written through another handle was not observed")
	}

	if err := writer.Create(ctx, ref, docstore.Fields{"offer": json.RawMessage(`{"type":"offer"}`)}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = reader.Create(ctx, ref, docstore.Fields{"offer": json.RawMessage(`{"type":"offer"}`)})
	if !errors.Is(err, docstore.ErrAlreadyExists) {
		t.Fatalf("Create through second handle: err=%v, want %v", err, docstore.ErrAlreadyExists)
	}
}

func TestAppendRejectsInvalidJSON(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "calls.db"))
	defer s.Close()

	_, err := s.Append(context.Background(), s.NewDoc("calls").Sub("offerCandidates"), json.RawMessage(`{`))
	if !errors.Is(err, docstore.ErrInvalidArgument) {
		t.Fatalf("err=%v, want %v", err, docstore.ErrInvalidArgument)
	}
}
