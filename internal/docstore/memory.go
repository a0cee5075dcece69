package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type memDoc struct {
	fields  Fields
	version int64
}

// Memory is an in-process Store. Everything lives in maps guarded by one
// mutex; subscribers are woken through a shared Notifier.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]*memDoc
	entries map[string][]Entry
	closed  bool

	notifier *Notifier
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]*memDoc),
		entries:  make(map[string][]Entry),
		notifier: NewNotifier(),
	}
}

func (m *Memory) NewDoc(collection string) DocRef {
	return NewDocRef(collection)
}

func (m *Memory) Create(ctx context.Context, ref DocRef, fields Fields) error {
	if err := ValidateDoc(ref); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.docs[ref.Path()]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExists, ref.Path())
	}
	m.docs[ref.Path()] = &memDoc{fields: fields.Clone(), version: 1}
	m.mu.Unlock()

	m.notifier.Notify()
	return nil
}

func (m *Memory) Get(ctx context.Context, ref DocRef) (DocSnapshot, error) {
	snap, err := m.read(ctx, ref)
	if err != nil {
		return DocSnapshot{}, err
	}
	if !snap.Exists {
		return DocSnapshot{}, fmt.Errorf("%w: %s", ErrNotFound, ref.Path())
	}
	return snap, nil
}

func (m *Memory) read(ctx context.Context, ref DocRef) (DocSnapshot, error) {
	if err := ValidateDoc(ref); err != nil {
		return DocSnapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return DocSnapshot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return DocSnapshot{}, ErrClosed
	}
	doc, ok := m.docs[ref.Path()]
	if !ok {
		return DocSnapshot{Ref: ref}, nil
	}
	return DocSnapshot{Ref: ref, Exists: true, Fields: doc.fields.Clone(), Version: doc.version}, nil
}

func (m *Memory) Update(ctx context.Context, ref DocRef, patch Fields, conds ...Condition) error {
	if err := ValidateDoc(ref); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	doc, ok := m.docs[ref.Path()]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, ref.Path())
	}
	if !ConditionsHold(doc.fields, conds) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConditionFailed, ref.Path())
	}
	next := doc.fields.Clone()
	if next == nil {
		next = Fields{}
	}
	for k, v := range patch {
		next[k] = v
	}
	doc.fields = next
	doc.version++
	m.mu.Unlock()

	m.notifier.Notify()
	return nil
}

func (m *Memory) Append(ctx context.Context, ref CollectionRef, data json.RawMessage) (Entry, error) {
	if err := ValidateCollection(ref); err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Entry{}, ErrClosed
	}
	path := ref.Path()
	e := Entry{
		ID:   uuid.NewString(),
		Seq:  int64(len(m.entries[path]) + 1),
		Data: append(json.RawMessage(nil), data...),
	}
	m.entries[path] = append(m.entries[path], e)
	m.mu.Unlock()

	m.notifier.Notify()
	return e, nil
}

func (m *Memory) readEntries(ref CollectionRef) EntryReader {
	path := ref.Path()
	return func(ctx context.Context, after int64) ([]Entry, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return nil, ErrClosed
		}
		all := m.entries[path]
		if after >= int64(len(all)) {
			return nil, nil
		}
		return append([]Entry(nil), all[after:]...), nil
	}
}

func (m *Memory) SubscribeDoc(ctx context.Context, ref DocRef, fn func(DocSnapshot), onErr func(error)) (Unsubscribe, error) {
	if err := ValidateDoc(ref); err != nil {
		return nil, err
	}
	if m.isClosed() {
		return nil, ErrClosed
	}
	read := func(ctx context.Context) (DocSnapshot, error) { return m.read(ctx, ref) }
	return StartDocSubscription(ctx, read, m.notifier.Wait, fn, onErr, nil), nil
}

func (m *Memory) SubscribeCollection(ctx context.Context, ref CollectionRef, fn func(Entry), onErr func(error)) (Unsubscribe, error) {
	if err := ValidateCollection(ref); err != nil {
		return nil, err
	}
	if m.isClosed() {
		return nil, ErrClosed
	}
	return StartCollectionSubscription(ctx, m.readEntries(ref), m.notifier.Wait, fn, onErr, nil), nil
}

func (m *Memory) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close fails every later call and ends live subscriptions with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.notifier.Notify()
	return nil
}
