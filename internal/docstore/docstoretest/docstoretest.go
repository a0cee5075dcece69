// Package docstoretest is a conformance suite for docstore.Store
// implementations.
package docstoretest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore"
)

// Timeout bounds every wait in the suite.
var Timeout = 5 * time.Second

// Run executes the suite. newStore must return a fresh, empty store; the
// suite closes it.
func Run(t *testing.T, newStore func(t *testing.T) docstore.Store) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s docstore.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"GetMissing", testGetMissing},
		{"CreateTwice", testCreateTwice},
		{"UpdateMergesFields", testUpdateMergesFields},
		{"UpdateConditions", testUpdateConditions},
		{"ConcurrentConditionalUpdate", testConcurrentConditionalUpdate},
		{"AppendSequence", testAppendSequence},
		{"SubscribeDocCurrentThenChanges", testSubscribeDocCurrentThenChanges},
		{"SubscribeDocMissing", testSubscribeDocMissing},
		{"SubscribeCollectionHistoryThenLive", testSubscribeCollectionHistoryThenLive},
		{"SubscribeCollectionIsolation", testSubscribeCollectionIsolation},
		{"Unsubscribe", testUnsubscribe},
		{"InvalidRefs", testInvalidRefs},
		{"Closed", testClosed},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func raw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	t.Cleanup(cancel)
	return ctx
}

func decodeString(t *testing.T, snap docstore.DocSnapshot, field string) string {
	t.Helper()
	var s string
	ok, err := snap.Decode(field, &s)
	if err != nil {
		t.Fatalf("Decode(%s): %v", field, err)
	}
	if !ok {
		return ""
	}
	return s
}

func testCreateAndGet(t *testing.T, s docstore.Store) {
	ctx := ctxT(t)
	ref := s.NewDoc("calls")
	if ref.Collection != "calls" || ref.ID == "" {
		t.Fatalf("NewDoc=%+v", ref)
	}
	if other := s.NewDoc("calls"); other.ID == ref.ID {
		t.Fatalf("NewDoc returned duplicate id %q", ref.ID)
	}

	if err := s.Create(ctx, ref, docstore.Fields{"offer": raw("o1")}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !snap.Exists {
		t.Fatalf("Exists=false, want true")
	}
	if snap.Ref != ref {
		t.Fatalf("Ref=%+v, want %+v", snap.Ref, ref)
	}
	if got := decodeString(t, snap, "offer"); got != "o1" {
		t.Fatalf("offer=%q, want %q", got, "o1")
	}
	if snap.Has("answer") {
		t.Fatalf("answer unexpectedly set")
	}
	if snap.Version <= 0 {
		t.Fatalf("Version=%d, want > 0", snap.Version)
	}
}

func testGetMissing(t *testing.T, s docstore.Store) {
	_, err := s.Get(ctxT(t), s.NewDoc("calls"))
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("err=%v, want %v", err, docstore.ErrNotFound)
	}
}

func testCreateTwice(t *testing.T, s docstore.Store) {
	ctx := ctxT(t)
	ref := s.NewDoc("calls")
	if err := s.Create(ctx, ref, docstore.Fields{"offer": raw("o1")}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Create(ctx, ref, docstore.Fields{"offer": raw("o2")})
	if !errors.Is(err, docstore.ErrAlreadyExists) {
		t.Fatalf("err=%v, want %v", err, docstore.ErrAlreadyExists)
	}
	snap, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := decodeString(t, snap, "offer"); got != "o1" {
		t.Fatalf("offer=%q, want original %q", got, "o1")
	}
}

func testUpdateMergesFields(t *testing.T, s docstore.Store) {
	ctx := ctxT(t)
	ref := s.NewDoc("calls")
	if err := s.Update(ctx, ref, docstore.Fields{"answer": raw("a")}); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("Update missing: err=%v, want %v", err, docstore.ErrNotFound)
	}
	if err := s.Create(ctx, ref, docstore.Fields{"offer": raw("o")}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	before, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := s.Update(ctx, ref, docstore.Fields{"answer": raw("a")}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	after, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := decodeString(t, after, "offer"); got != "o" {
		t.Fatalf("offer=%q, want %q", got, "o")
	}
	if got := decodeString(t, after, "answer"); got != "a" {
		t.Fatalf("answer=%q, want %q", got, "a")
	}
	if after.Version <= before.Version {
		t.Fatalf("Version=%d, want > %d", after.Version, before.Version)
	}
}

func testUpdateConditions(t *testing.T, s docstore.Store) {
	ctx := ctxT(t)
	ref := s.NewDoc("calls")
	if err := s.Create(ctx, ref, docstore.Fields{"offer": raw("o")}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := s.Update(ctx, ref, docstore.Fields{"answer": raw("a")}, docstore.FieldPresent("missing"))
	if !errors.Is(err, docstore.ErrConditionFailed) {
		t.Fatalf("err=%v, want %v", err, docstore.ErrConditionFailed)
	}

	conds := []docstore.Condition{docstore.FieldPresent("offer"), docstore.FieldAbsent("answer")}
	if err := s.Update(ctx, ref, docstore.Fields{"answer": raw("a1")}, conds...); err != nil {
		t.Fatalf("first conditional Update: %v", err)
	}
	err = s.Update(ctx, ref, docstore.Fields{"answer": raw("a2")}, conds...)
	if !errors.Is(err, docstore.ErrConditionFailed) {
		t.Fatalf("second conditional Update: err=%v, want %v", err, docstore.ErrConditionFailed)
	}

	snap, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := decodeString(t, snap, "answer"); got != "a1" {
		t.Fatalf("answer=%q, want %q", got, "a1")
	}
}

func testConcurrentConditionalUpdate(t *testing.T, s docstore.Store) {
	ctx := ctxT(t)
	ref := s.NewDoc("calls")
	if err := s.Create(ctx, ref, docstore.Fields{"offer": raw("o")}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		winner  string
		failure error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := fmt.Sprintf("a%d", i)
			err := s.Update(ctx, ref, docstore.Fields{"answer": raw(v)}, docstore.FieldAbsent("answer"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
				winner = v
			case errors.Is(err, docstore.ErrConditionFailed):
			default:
				failure = err
			}
		}(i)
	}
	wg.Wait()

	if failure != nil {
		t.Fatalf("unexpected error: %v", failure)
	}
	if wins != 1 {
		t.Fatalf("successful writers=%d, want 1", wins)
	}
	snap, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := decodeString(t, snap, "answer"); got != winner {
		t.Fatalf("answer=%q, want winner %q", got, winner)
	}
}

func testAppendSequence(t *testing.T, s docstore.Store) {
	ctx := ctxT(t)
	coll := s.NewDoc("calls").Sub("offerCandidates")

	ids := map[string]bool{}
	for i := 1; i <= 5; i++ {
		e, err := s.Append(ctx, coll, raw(map[string]int{"n": i}))
		if err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
		if e.Seq != int64(i) {
			t.Fatalf("Seq=%d, want %d", e.Seq, i)
		}
		if e.ID == "" || ids[e.ID] {
			t.Fatalf("entry id %q empty or duplicated", e.ID)
		}
		ids[e.ID] = true
	}

	other := s.NewDoc("calls").Sub("offerCandidates")
	e, err := s.Append(ctx, other, raw("x"))
	if err != nil {
		t.Fatalf("Append other: %v", err)
	}
	if e.Seq != 1 {
		t.Fatalf("Seq in fresh collection=%d, want 1", e.Seq)
	}
}

type docRecorder struct {
	ch   chan docstore.DocSnapshot
	errs chan error
}

func newDocRecorder() *docRecorder {
	return &docRecorder{ch: make(chan docstore.DocSnapshot, 64), errs: make(chan error, 4)}
}

func (r *docRecorder) fn(s docstore.DocSnapshot) { r.ch <- s }
func (r *docRecorder) onErr(err error)           { r.errs <- err }

func (r *docRecorder) next(t *testing.T) docstore.DocSnapshot {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case err := <-r.errs:
		t.Fatalf("subscription error: %v", err)
	case <-time.After(Timeout):
		t.Fatalf("timed out waiting for snapshot")
	}
	return docstore.DocSnapshot{}
}

// until skips coalescable intermediate snapshots.
func (r *docRecorder) until(t *testing.T, pred func(docstore.DocSnapshot) bool) docstore.DocSnapshot {
	t.Helper()
	for {
		s := r.next(t)
		if pred(s) {
			return s
		}
	}
}

type entryRecorder struct {
	ch   chan docstore.Entry
	errs chan error
}

func newEntryRecorder() *entryRecorder {
	return &entryRecorder{ch: make(chan docstore.Entry, 64), errs: make(chan error, 4)}
}

func (r *entryRecorder) fn(e docstore.Entry) { r.ch <- e }
func (r *entryRecorder) onErr(err error)     { r.errs <- err }

func (r *entryRecorder) next(t *testing.T) docstore.Entry {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case err := <-r.errs:
		t.Fatalf("subscription error: %v", err)
	case <-time.After(Timeout):
		t.Fatalf("timed out waiting for entry")
	}
	return docstore.Entry{}
}

func (r *entryRecorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case e := <-r.ch:
		t.Fatalf("unexpected entry %+v", e)
	case <-time.After(d):
	}
}

func testSubscribeDocCurrentThenChanges(t *testing.T, s docstore.Store) {
	ctx := ctxT(t)
	ref := s.NewDoc("calls")
	if err := s.Create(ctx, ref, docstore.Fields{"offer": raw("o")}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := newDocRecorder()
	unsub, err := s.SubscribeDoc(ctx, ref, rec.fn, rec.onErr)
	if err != nil {
		t.Fatalf("SubscribeDoc: %v", err)
	}
	defer unsub()

	first := rec.next(t)
	if !first.Exists || decodeString(t, first, "offer") != "o" {
		t.Fatalf("first snapshot=%+v, want current document", first)
	}

	if err := s.Update(ctx, ref, docstore.Fields{"answer": raw("a")}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got := rec.until(t, func(s docstore.DocSnapshot) bool { return s.Has("answer") })
	if decodeString(t, got, "answer") != "a" {
		t.Fatalf("answer snapshot=%+v", got)
	}
	if got.Version <= first.Version {
		t.Fatalf("Version=%d, want > %d", got.Version, first.Version)
	}
}

func testSubscribeDocMissing(t *testing.T, s docstore.Store) {
	ctx := ctxT(t)
	ref := s.NewDoc("calls")

	rec := newDocRecorder()
	unsub, err := s.SubscribeDoc(ctx, ref, rec.fn, rec.onErr)
	if err != nil {
		t.Fatalf("SubscribeDoc: %v", err)
	}
	defer unsub()

	if first := rec.next(t); first.Exists {
		t.Fatalf("first snapshot Exists=true for missing document")
	}
	if err := s.Create(ctx, ref, docstore.Fields{"offer": raw("o")}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec.until(t, func(s docstore.DocSnapshot) bool { return s.Exists && s.Has("offer") })
}

func testSubscribeCollectionHistoryThenLive(t *testing.T, s docstore.Store) {
	ctx := ctxT(t)
	coll := s.NewDoc("calls").Sub("answerCandidates")

	for i := 1; i <= 3; i++ {
		if _, err := s.Append(ctx, coll, raw(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	rec := newEntryRecorder()
	unsub, err := s.SubscribeCollection(ctx, coll, rec.fn, rec.onErr)
	if err != nil {
		t.Fatalf("SubscribeCollection: %v", err)
	}
	defer unsub()

	for i := 1; i <= 3; i++ {
		e := rec.next(t)
		if e.Seq != int64(i) || string(e.Data) != fmt.Sprint(i) {
			t.Fatalf("history entry=%+v, want seq %d", e, i)
		}
	}
	for i := 4; i <= 6; i++ {
		if _, err := s.Append(ctx, coll, raw(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	for i := 4; i <= 6; i++ {
		e := rec.next(t)
		if e.Seq != int64(i) || string(e.Data) != fmt.Sprint(i) {
			t.Fatalf("live entry=%+v, want seq %d", e, i)
		}
	}
	rec.none(t, 100*time.Millisecond)

	// A second subscriber starts from the beginning.
	rec2 := newEntryRecorder()
	unsub2, err := s.SubscribeCollection(ctx, coll, rec2.fn, rec2.onErr)
	if err != nil {
		t.Fatalf("SubscribeCollection: %v", err)
	}
	defer unsub2()
	if e := rec2.next(t); e.Seq != 1 {
		t.Fatalf("second subscriber first Seq=%d, want 1", e.Seq)
	}
}

func testSubscribeCollectionIsolation(t *testing.T, s docstore.Store) {
	ctx := ctxT(t)
	doc := s.NewDoc("calls")
	offers := doc.Sub("offerCandidates")
	answers := doc.Sub("answerCandidates")

	rec := newEntryRecorder()
	unsub, err := s.SubscribeCollection(ctx, offers, rec.fn, rec.onErr)
	if err != nil {
		t.Fatalf("SubscribeCollection: %v", err)
	}
	defer unsub()

	if _, err := s.Append(ctx, answers, raw("answer-side")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(ctx, offers, raw("offer-side")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e := rec.next(t); string(e.Data) != `"offer-side"` {
		t.Fatalf("entry=%s, want offer-side only", e.Data)
	}
	rec.none(t, 100*time.Millisecond)
}

func testUnsubscribe(t *testing.T, s docstore.Store) {
	ctx := ctxT(t)
	coll := s.NewDoc("calls").Sub("offerCandidates")

	rec := newEntryRecorder()
	unsub, err := s.SubscribeCollection(ctx, coll, rec.fn, rec.onErr)
	if err != nil {
		t.Fatalf("SubscribeCollection: %v", err)
	}
	if _, err := s.Append(ctx, coll, raw(1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	rec.next(t)

	unsub()
	unsub()
	// Let a delivery goroutine observe the cancellation.
	time.Sleep(50 * time.Millisecond)

	if _, err := s.Append(ctx, coll, raw(2)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	rec.none(t, 200*time.Millisecond)
}

func testInvalidRefs(t *testing.T, s docstore.Store) {
	ctx := ctxT(t)
	bad := docstore.DocRef{Collection: "calls", ID: "a/b"}
	if err := s.Create(ctx, bad, docstore.Fields{}); !errors.Is(err, docstore.ErrInvalidArgument) {
		t.Fatalf("Create: err=%v, want %v", err, docstore.ErrInvalidArgument)
	}
	if _, err := s.Append(ctx, s.NewDoc("calls").Sub(""), raw(1)); !errors.Is(err, docstore.ErrInvalidArgument) {
		t.Fatalf("Append: err=%v, want %v", err, docstore.ErrInvalidArgument)
	}
}

func testClosed(t *testing.T, s docstore.Store) {
	ctx := ctxT(t)
	ref := s.NewDoc("calls")
	if err := s.Create(ctx, ref, docstore.Fields{"offer": raw("o")}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := newDocRecorder()
	if _, err := s.SubscribeDoc(ctx, ref, rec.fn, rec.onErr); err != nil {
		t.Fatalf("SubscribeDoc: %v", err)
	}
	rec.next(t)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case err := <-rec.errs:
		if !errors.Is(err, docstore.ErrUnavailable) {
			t.Fatalf("subscription err=%v, want %v", err, docstore.ErrUnavailable)
		}
	case <-time.After(Timeout):
		t.Fatalf("subscription not ended by Close")
	}

	if _, err := s.Get(ctx, ref); !errors.Is(err, docstore.ErrUnavailable) {
		t.Fatalf("Get after Close: err=%v, want %v", err, docstore.ErrUnavailable)
	}
	if _, err := s.Append(ctx, ref.Sub("offerCandidates"), raw(1)); !errors.Is(err, docstore.ErrUnavailable) {
		t.Fatalf("Append after Close: err=%v, want %v", err, docstore.ErrUnavailable)
	}
}
