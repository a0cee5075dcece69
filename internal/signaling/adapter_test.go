package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
)

func newTestAdapter(t *testing.T) (*Adapter, docstore.Store, *metrics.Metrics) {
	t.Helper()
	store := docstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	m := metrics.New()
	return NewAdapter(store, nil, m), store, m
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var (
	testOffer  = SessionDescription{Type: "offer", SDP: "v=0 offer"}
	testAnswer = SessionDescription{Type: "answer", SDP: "v=0 answer"}
)

func cand(i int) Candidate {
	mid := "0"
	idx := uint16(0)
	return Candidate{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 192.0.2.%d 5000%d typ host", i, i, i),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

func TestCreateIsNotDiscoverableUntilOffer(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	ctx := testCtx(t)

	ref := a.CreateCallRecord()
	if ref.ID == "" {
		t.Fatalf("empty call id")
	}
	if _, err := a.GetCallRecord(ctx, ref.ID); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("err=%v, want %v", err, ErrCallNotFound)
	}

	if err := a.UpdateCallRecord(ctx, ref, CallUpdate{Offer: &testOffer}); err != nil {
		t.Fatalf("publish offer: %v", err)
	}
	rec, err := a.GetCallRecord(ctx, ref.ID)
	if err != nil {
		t.Fatalf("GetCallRecord: %v", err)
	}
	if rec.ID != ref.ID || rec.Offer == nil || *rec.Offer != testOffer || rec.Answer != nil {
		t.Fatalf("rec=%+v", rec)
	}

	if err := a.UpdateCallRecord(ctx, ref, CallUpdate{Offer: &testOffer}); !errors.Is(err, ErrOfferAlreadySet) {
		t.Fatalf("second offer: err=%v, want %v", err, ErrOfferAlreadySet)
	}
}

func TestLookupMissingCallDoesNotWrite(t *testing.T) {
	a, store, _ := newTestAdapter(t)
	ctx := testCtx(t)

	if _, err := a.GetCallRecord(ctx, "doesnotexist"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("err=%v, want %v", err, ErrCallNotFound)
	}
	ref := docstore.DocRef{Collection: CallsCollection, ID: "doesnotexist"}
	if _, err := store.Get(ctx, ref); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("record written by lookup: err=%v", err)
	}
	if _, err := a.GetCallRecord(ctx, "a/b"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("malformed id: err=%v, want %v", err, ErrCallNotFound)
	}
}

func TestAnswerIsWrittenOnce(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	ctx := testCtx(t)

	ref := a.CreateCallRecord()
	if err := a.UpdateCallRecord(ctx, ref, CallUpdate{Answer: &testAnswer}); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("answer before offer: err=%v, want %v", err, ErrCallNotFound)
	}

	if err := a.UpdateCallRecord(ctx, ref, CallUpdate{Offer: &testOffer}); err != nil {
		t.Fatalf("publish offer: %v", err)
	}
	if err := a.UpdateCallRecord(ctx, ref, CallUpdate{Answer: &testAnswer}); err != nil {
		t.Fatalf("publish answer: %v", err)
	}

	other := SessionDescription{Type: "answer", SDP: "v=0 second"}
	if err := a.UpdateCallRecord(ctx, ref, CallUpdate{Answer: &other}); !errors.Is(err, ErrAnswerAlreadySet) {
		t.Fatalf("second answer: err=%v, want %v", err, ErrAnswerAlreadySet)
	}

	rec, err := a.GetCallRecord(ctx, ref.ID)
	if err != nil {
		t.Fatalf("GetCallRecord: %v", err)
	}
	if rec.Answer == nil || *rec.Answer != testAnswer {
		t.Fatalf("answer=%+v, want %+v", rec.Answer, testAnswer)
	}
	if rec.Offer == nil || *rec.Offer != testOffer {
		t.Fatalf("offer changed: %+v", rec.Offer)
	}
}

func TestConcurrentAnswersOnlyOneWins(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	ctx := testCtx(t)

	ref := a.CreateCallRecord()
	if err := a.UpdateCallRecord(ctx, ref, CallUpdate{Offer: &testOffer}); err != nil {
		t.Fatalf("publish offer: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ans := SessionDescription{Type: "answer", SDP: fmt.Sprintf("v=0 %d", i)}
			errs <- a.UpdateCallRecord(ctx, ref, CallUpdate{Answer: &ans})
		}(i)
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, ErrAnswerAlreadySet):
			t.Fatalf("unexpected err %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins=%d, want 1", wins)
	}
}

func TestInvalidUpdates(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	ctx := testCtx(t)
	ref := a.CreateCallRecord()

	for name, upd := range map[string]CallUpdate{
		"empty":        {},
		"both":         {Offer: &testOffer, Answer: &testAnswer},
		"offer typed":  {Offer: &testAnswer},
		"answer typed": {Answer: &testOffer},
		"missing sdp":  {Offer: &SessionDescription{Type: "offer"}},
	} {
		if err := a.UpdateCallRecord(ctx, ref, upd); !errors.Is(err, ErrInvalidUpdate) {
			t.Fatalf("%s: err=%v, want %v", name, err, ErrInvalidUpdate)
		}
	}
}

func TestCandidatesAreAppendOnlyAndReplayedToLateSubscribers(t *testing.T) {
	a, _, m := newTestAdapter(t)
	ctx := testCtx(t)
	ref := a.CreateCallRecord()

	for i := 1; i <= 3; i++ {
		if err := a.AppendCandidate(ctx, ref, Caller, cand(i)); err != nil {
			t.Fatalf("AppendCandidate: %v", err)
		}
	}
	if err := a.AppendCandidate(ctx, ref, Caller, Candidate{}); err != nil {
		t.Fatalf("end-of-candidates: %v", err)
	}
	if got := m.Get(metrics.CandidatesPublished); got != 3 {
		t.Fatalf("%s=%d, want 3", metrics.CandidatesPublished, got)
	}

	collect := func() []CandidateEntry {
		got := make(chan CandidateEntry, 8)
		unsub, err := a.SubscribeCandidates(ctx, ref, Caller, func(e CandidateEntry) { got <- e }, nil)
		if err != nil {
			t.Fatalf("SubscribeCandidates: %v", err)
		}
		defer unsub()
		var out []CandidateEntry
		for len(out) < 3 {
			select {
			case e := <-got:
				out = append(out, e)
			case <-ctx.Done():
				t.Fatalf("got %d candidates, want 3", len(out))
			}
		}
		select {
		case e := <-got:
			t.Fatalf("unexpected extra entry %+v", e)
		case <-time.After(50 * time.Millisecond):
		}
		return out
	}

	first := collect()
	second := collect()
	for i := range first {
		if first[i].Seq != int64(i+1) || first[i].Candidate.Candidate != cand(i+1).Candidate {
			t.Fatalf("entry %d=%+v", i, first[i])
		}
		if first[i].ID != second[i].ID || first[i].Candidate.Candidate != second[i].Candidate.Candidate {
			t.Fatalf("entry %d changed between subscriptions: %+v vs %+v", i, first[i], second[i])
		}
	}

	calleeSeen := make(chan CandidateEntry, 1)
	unsub, err := a.SubscribeCandidates(ctx, ref, Callee, func(e CandidateEntry) { calleeSeen <- e }, nil)
	if err != nil {
		t.Fatalf("SubscribeCandidates: %v", err)
	}
	defer unsub()
	select {
	case e := <-calleeSeen:
		t.Fatalf("caller candidate leaked into callee collection: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeCallRecordSeesAnswer(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	ctx := testCtx(t)
	ref := a.CreateCallRecord()

	recs := make(chan CallRecord, 8)
	unsub, err := a.SubscribeCallRecord(ctx, ref, func(r CallRecord) { recs <- r }, nil)
	if err != nil {
		t.Fatalf("SubscribeCallRecord: %v", err)
	}
	defer unsub()

	if first := <-recs; first.Offer != nil || first.ID != ref.ID {
		t.Fatalf("first=%+v", first)
	}
	if err := a.UpdateCallRecord(ctx, ref, CallUpdate{Offer: &testOffer}); err != nil {
		t.Fatalf("publish offer: %v", err)
	}
	if err := a.UpdateCallRecord(ctx, ref, CallUpdate{Answer: &testAnswer}); err != nil {
		t.Fatalf("publish answer: %v", err)
	}
	for {
		select {
		case r := <-recs:
			if r.Answer != nil {
				if *r.Answer != testAnswer {
					t.Fatalf("answer=%+v", r.Answer)
				}
				return
			}
		case <-ctx.Done():
			t.Fatalf("answer never observed")
		}
	}
}

func TestStoreUnavailableSurfaces(t *testing.T) {
	a, store, _ := newTestAdapter(t)
	ctx := testCtx(t)
	_ = store.Close()

	ref := a.CreateCallRecord()
	if err := a.UpdateCallRecord(ctx, ref, CallUpdate{Offer: &testOffer}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err=%v, want %v", err, ErrStoreUnavailable)
	}
	if err := a.AppendCandidate(ctx, ref, Caller, cand(1)); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err=%v, want %v", err, ErrStoreUnavailable)
	}
}

func TestSide(t *testing.T) {
	if Caller.Collection() != "offerCandidates" || Callee.Collection() != "answerCandidates" {
		t.Fatalf("collections: %q %q", Caller.Collection(), Callee.Collection())
	}
	if Caller.Opposite() != Callee || Callee.Opposite() != Caller {
		t.Fatalf("Opposite is not an involution")
	}
}
