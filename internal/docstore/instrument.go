package docstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
)

type instrumented struct {
	Store
	m *metrics.Metrics
}

// Instrument counts operations and failures of s in m.
func Instrument(s Store, m *metrics.Metrics) Store {
	if m == nil {
		return s
	}
	return &instrumented{Store: s, m: m}
}

func (s *instrumented) observe(err error) error {
	s.m.Inc(metrics.StoreOp)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.m.Inc(metrics.StoreOpError)
	}
	return err
}

func (s *instrumented) Create(ctx context.Context, ref DocRef, fields Fields) error {
	return s.observe(s.Store.Create(ctx, ref, fields))
}

func (s *instrumented) Get(ctx context.Context, ref DocRef) (DocSnapshot, error) {
	snap, err := s.Store.Get(ctx, ref)
	return snap, s.observe(err)
}

func (s *instrumented) Update(ctx context.Context, ref DocRef, patch Fields, conds ...Condition) error {
	return s.observe(s.Store.Update(ctx, ref, patch, conds...))
}

func (s *instrumented) Append(ctx context.Context, ref CollectionRef, data json.RawMessage) (Entry, error) {
	e, err := s.Store.Append(ctx, ref, data)
	return e, s.observe(err)
}

func (s *instrumented) SubscribeDoc(ctx context.Context, ref DocRef, fn func(DocSnapshot), onErr func(error)) (Unsubscribe, error) {
	unsub, err := s.Store.SubscribeDoc(ctx, ref, fn, onErr)
	if err == nil {
		s.m.Inc(metrics.StoreSubscriptions)
	}
	return unsub, s.observe(err)
}

func (s *instrumented) SubscribeCollection(ctx context.Context, ref CollectionRef, fn func(Entry), onErr func(error)) (Unsubscribe, error) {
	unsub, err := s.Store.SubscribeCollection(ctx, ref, fn, onErr)
	if err == nil {
		s.m.Inc(metrics.StoreSubscriptions)
	}
	return unsub, s.observe(err)
}
