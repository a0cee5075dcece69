// Package docstore defines the shared document store used as a signaling
// relay: keyed documents with merge updates, append-only child collections,
// and live subscriptions to both.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrUnavailable is returned (wrapped) when the backing store cannot be
	// reached. Callers surface it; nothing in this package retries.
	ErrUnavailable     = errors.New("docstore: unavailable")
	ErrNotFound        = errors.New("docstore: not found")
	ErrAlreadyExists   = errors.New("docstore: already exists")
	ErrConditionFailed = errors.New("docstore: condition failed")
	ErrInvalidArgument = errors.New("docstore: invalid argument")

	ErrClosed = fmt.Errorf("%w: store closed", ErrUnavailable)
)

// Fields holds a document's top-level fields as raw JSON values.
type Fields map[string]json.RawMessage

// Clone returns a shallow copy. Values are never mutated in place.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// DocRef addresses a document as collection/id.
type DocRef struct {
	Collection string
	ID         string
}

func (r DocRef) Path() string { return r.Collection + "/" + r.ID }

// Sub returns the child collection name under this document.
func (r DocRef) Sub(name string) CollectionRef {
	return CollectionRef{Parent: r, Name: name}
}

// CollectionRef addresses an append-only collection nested under a document.
type CollectionRef struct {
	Parent DocRef
	Name   string
}

func (c CollectionRef) Path() string { return c.Parent.Path() + "/" + c.Name }

// NewDocRef allocates a fresh document id without writing anything.
func NewDocRef(collection string) DocRef {
	return DocRef{Collection: collection, ID: uuid.NewString()}
}

// ParsePath is the inverse of DocRef.Path and CollectionRef.Path.
func ParsePath(path string) (DocRef, string, error) {
	parts := strings.Split(path, "/")
	switch len(parts) {
	case 2:
		ref := DocRef{Collection: parts[0], ID: parts[1]}
		return ref, "", ValidateDoc(ref)
	case 3:
		ref := DocRef{Collection: parts[0], ID: parts[1]}
		if err := ValidateCollection(ref.Sub(parts[2])); err != nil {
			return DocRef{}, "", err
		}
		return ref, parts[2], nil
	default:
		return DocRef{}, "", fmt.Errorf("%w: path %q", ErrInvalidArgument, path)
	}
}

func ValidateDoc(ref DocRef) error {
	if !validSegment(ref.Collection) || !validSegment(ref.ID) {
		return fmt.Errorf("%w: document %q", ErrInvalidArgument, ref.Path())
	}
	return nil
}

func ValidateCollection(ref CollectionRef) error {
	if err := ValidateDoc(ref.Parent); err != nil {
		return err
	}
	if !validSegment(ref.Name) {
		return fmt.Errorf("%w: collection %q", ErrInvalidArgument, ref.Path())
	}
	return nil
}

func validSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/\x00") && len(s) <= 256
}

// DocSnapshot is a point-in-time view of a document. Version increases by one
// on every successful write and is zero when the document does not exist.
type DocSnapshot struct {
	Ref     DocRef `json:"-"`
	Exists  bool   `json:"exists"`
	Fields  Fields `json:"fields,omitempty"`
	Version int64  `json:"version"`
}

// Has reports whether field is set to a non-null value.
func (s DocSnapshot) Has(field string) bool {
	v, ok := s.Fields[field]
	return ok && len(v) > 0 && string(v) != "null"
}

// Decode unmarshals field into v. It returns false without error when the
// field is unset.
func (s DocSnapshot) Decode(field string, v any) (bool, error) {
	if !s.Has(field) {
		return false, nil
	}
	if err := json.Unmarshal(s.Fields[field], v); err != nil {
		return true, fmt.Errorf("decode %s.%s: %w", s.Ref.Path(), field, err)
	}
	return true, nil
}

// Entry is one immutable element of an append-only collection. Seq starts at
// 1 and increases by one per append within the collection.
type Entry struct {
	ID   string          `json:"id"`
	Seq  int64           `json:"seq"`
	Data json.RawMessage `json:"data"`
}

// Condition guards an Update. All conditions are checked atomically with the
// write.
type Condition struct {
	Field   string `json:"field"`
	Present bool   `json:"present"`
}

func FieldPresent(field string) Condition { return Condition{Field: field, Present: true} }
func FieldAbsent(field string) Condition  { return Condition{Field: field, Present: false} }

// Holds evaluates the condition against a document's current fields.
func (c Condition) Holds(fields Fields) bool {
	v, ok := fields[c.Field]
	set := ok && len(v) > 0 && string(v) != "null"
	return set == c.Present
}

// ConditionsHold reports whether every condition holds.
func ConditionsHold(fields Fields, conds []Condition) bool {
	for _, c := range conds {
		if !c.Holds(fields) {
			return false
		}
	}
	return true
}

// Unsubscribe stops a subscription. It does not wait for a callback already
// in progress and is safe to call more than once.
type Unsubscribe func()

// Store is the document store boundary.
//
// Document subscriptions deliver the current snapshot first (Exists=false if
// absent) and then later versions, possibly coalesced, never going backwards.
// Collection subscriptions deliver every entry exactly once in Seq order,
// history first. Callbacks of one subscription are serialized. A backend
// error ends the subscription after a single onErr call.
type Store interface {
	NewDoc(collection string) DocRef
	Create(ctx context.Context, ref DocRef, fields Fields) error
	Get(ctx context.Context, ref DocRef) (DocSnapshot, error)
	Update(ctx context.Context, ref DocRef, patch Fields, conds ...Condition) error
	Append(ctx context.Context, ref CollectionRef, data json.RawMessage) (Entry, error)
	SubscribeDoc(ctx context.Context, ref DocRef, fn func(DocSnapshot), onErr func(error)) (Unsubscribe, error)
	SubscribeCollection(ctx context.Context, ref CollectionRef, fn func(Entry), onErr func(error)) (Unsubscribe, error)
	Close() error
}
