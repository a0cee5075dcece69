package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
)

const (
	CallsCollection = "calls"

	fieldOffer  = "offer"
	fieldAnswer = "answer"
)

var (
	// ErrStoreUnavailable is the store's own sentinel so errors.Is works on
	// errors from either layer.
	ErrStoreUnavailable = docstore.ErrUnavailable

	ErrCallNotFound     = errors.New("signaling: call not found")
	ErrOfferAlreadySet  = errors.New("signaling: offer already set")
	ErrAnswerAlreadySet = errors.New("signaling: answer already set")
	ErrNoOffer          = errors.New("signaling: call has no offer")
	ErrInvalidUpdate    = errors.New("signaling: invalid call update")
)

// Side selects one of the two candidate collections of a call.
type Side int

const (
	// Caller candidates live in offerCandidates.
	Caller Side = iota
	// Callee candidates live in answerCandidates.
	Callee
)

func (s Side) String() string {
	if s == Callee {
		return "callee"
	}
	return "caller"
}

// Collection is the candidate collection name written by this side.
func (s Side) Collection() string {
	if s == Callee {
		return "answerCandidates"
	}
	return "offerCandidates"
}

// Opposite is the side whose candidates this side consumes.
func (s Side) Opposite() Side {
	if s == Callee {
		return Caller
	}
	return Callee
}

// CallRef is a writable reference to a call record.
type CallRef struct {
	ID  string
	doc docstore.DocRef
}

func (r CallRef) candidates(side Side) docstore.CollectionRef {
	return r.doc.Sub(side.Collection())
}

// CallRecord is the decoded call document. Offer is nil only for a record
// that does not exist yet; Answer stays nil until the callee publishes one.
type CallRecord struct {
	ID      string
	Offer   *SessionDescription
	Answer  *SessionDescription
	Version int64
}

// CallUpdate carries exactly one of Offer or Answer.
type CallUpdate struct {
	Offer  *SessionDescription
	Answer *SessionDescription
}

// CandidateEntry is a stored candidate together with its store identity.
type CandidateEntry struct {
	ID        string
	Seq       int64
	Candidate Candidate
}

type Adapter struct {
	store   docstore.Store
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewAdapter(store docstore.Store, logger *slog.Logger, m *metrics.Metrics) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		store:   store,
		log:     logger.With("component", "signaling"),
		metrics: m,
	}
}

// CreateCallRecord allocates a call id. Nothing is written until the offer
// is published through UpdateCallRecord.
func (a *Adapter) CreateCallRecord() CallRef {
	doc := a.store.NewDoc(CallsCollection)
	return CallRef{ID: doc.ID, doc: doc}
}

// Ref returns a reference to an existing call id.
func (a *Adapter) Ref(id string) (CallRef, error) {
	doc := docstore.DocRef{Collection: CallsCollection, ID: id}
	if err := docstore.ValidateDoc(doc); err != nil {
		return CallRef{}, fmt.Errorf("%w: %q", ErrCallNotFound, id)
	}
	return CallRef{ID: id, doc: doc}, nil
}

// GetCallRecord fails with ErrCallNotFound when there is no record with an
// offer under id.
func (a *Adapter) GetCallRecord(ctx context.Context, id string) (CallRecord, error) {
	ref, err := a.Ref(id)
	if err != nil {
		return CallRecord{}, err
	}
	snap, err := a.store.Get(ctx, ref.doc)
	if errors.Is(err, docstore.ErrNotFound) {
		return CallRecord{}, fmt.Errorf("%w: %s", ErrCallNotFound, id)
	}
	if err != nil {
		return CallRecord{}, err
	}
	rec, err := decodeRecord(snap)
	if err != nil {
		return CallRecord{}, err
	}
	if rec.Offer == nil {
		return CallRecord{}, fmt.Errorf("%w: %s", ErrCallNotFound, id)
	}
	return rec, nil
}

// UpdateCallRecord publishes the offer (creating the record) or the answer.
// The answer write is conditional on the offer being present and the answer
// being absent, so a second answer is rejected with ErrAnswerAlreadySet.
func (a *Adapter) UpdateCallRecord(ctx context.Context, ref CallRef, upd CallUpdate) error {
	switch {
	case upd.Offer != nil && upd.Answer == nil:
		if err := upd.Offer.validate("offer"); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		raw, err := encode(upd.Offer)
		if err != nil {
			return err
		}
		err = a.store.Create(ctx, ref.doc, docstore.Fields{fieldOffer: raw})
		if errors.Is(err, docstore.ErrAlreadyExists) {
			return fmt.Errorf("%w: %s", ErrOfferAlreadySet, ref.ID)
		}
		return err

	case upd.Answer != nil && upd.Offer == nil:
		if err := upd.Answer.validate("answer"); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		raw, err := encode(upd.Answer)
		if err != nil {
			return err
		}
		err = a.store.Update(ctx, ref.doc, docstore.Fields{fieldAnswer: raw},
			docstore.FieldPresent(fieldOffer), docstore.FieldAbsent(fieldAnswer))
		switch {
		case errors.Is(err, docstore.ErrNotFound):
			return fmt.Errorf("%w: %s", ErrCallNotFound, ref.ID)
		case errors.Is(err, docstore.ErrConditionFailed):
			return a.explainRejectedAnswer(ctx, ref)
		}
		return err
	}
	return fmt.Errorf("%w: exactly one of offer or answer must be set", ErrInvalidUpdate)
}

func (a *Adapter) explainRejectedAnswer(ctx context.Context, ref CallRef) error {
	snap, err := a.store.Get(ctx, ref.doc)
	if err != nil {
		return err
	}
	if snap.Has(fieldAnswer) {
		return fmt.Errorf("%w: %s", ErrAnswerAlreadySet, ref.ID)
	}
	return fmt.Errorf("%w: %s", ErrNoOffer, ref.ID)
}

// AppendCandidate stores c in side's collection. End-of-candidates (an empty
// candidate string) is dropped.
func (a *Adapter) AppendCandidate(ctx context.Context, ref CallRef, side Side, c Candidate) error {
	if c.Candidate == "" {
		return nil
	}
	raw, err := encode(c)
	if err != nil {
		return err
	}
	if _, err := a.store.Append(ctx, ref.candidates(side), raw); err != nil {
		return err
	}
	a.metrics.Inc(metrics.CandidatesPublished)
	return nil
}

// SubscribeCallRecord delivers the current record immediately (with a nil
// Offer if it does not exist yet) and then every later version.
func (a *Adapter) SubscribeCallRecord(ctx context.Context, ref CallRef, fn func(CallRecord), onErr func(error)) (docstore.Unsubscribe, error) {
	return a.store.SubscribeDoc(ctx, ref.doc, func(snap docstore.DocSnapshot) {
		rec, err := decodeRecord(snap)
		if err != nil {
			a.log.Warn("skipping undecodable call record", "call_id", ref.ID, "version", snap.Version, "err", err)
			return
		}
		fn(rec)
	}, onErr)
}

// SubscribeCandidates delivers every candidate of side's collection exactly
// once in append order, history first.
func (a *Adapter) SubscribeCandidates(ctx context.Context, ref CallRef, side Side, fn func(CandidateEntry), onErr func(error)) (docstore.Unsubscribe, error) {
	return a.store.SubscribeCollection(ctx, ref.candidates(side), func(e docstore.Entry) {
		var c Candidate
		if err := json.Unmarshal(e.Data, &c); err != nil {
			a.log.Warn("skipping undecodable candidate", "call_id", ref.ID, "side", side, "seq", e.Seq, "err", err)
			return
		}
		if c.Candidate == "" {
			return
		}
		fn(CandidateEntry{ID: e.ID, Seq: e.Seq, Candidate: c})
	}, onErr)
}

func decodeRecord(snap docstore.DocSnapshot) (CallRecord, error) {
	rec := CallRecord{ID: snap.Ref.ID, Version: snap.Version}
	if !snap.Exists {
		return rec, nil
	}
	var offer, answer SessionDescription
	ok, err := snap.Decode(fieldOffer, &offer)
	if err != nil {
		return CallRecord{}, err
	}
	if ok {
		rec.Offer = &offer
	}
	ok, err = snap.Decode(fieldAnswer, &answer)
	if err != nil {
		return CallRecord{}, err
	}
	if ok {
		rec.Answer = &answer
	}
	return rec, nil
}
