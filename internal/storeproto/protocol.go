// Package storeproto defines the JSON messages exchanged between the remote
// store client and the store server over a single WebSocket.
package storeproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore"
)

// Path is the WebSocket endpoint served by the store server.
const Path = "/v1/store"

type Op string

const (
	OpCreate              Op = "create"
	OpGet                 Op = "get"
	OpUpdate              Op = "update"
	OpAppend              Op = "append"
	OpSubscribeDoc        Op = "subscribeDoc"
	OpSubscribeCollection Op = "subscribeCollection"
	OpUnsubscribe         Op = "unsubscribe"
)

type EventType string

const (
	EventDoc   EventType = "doc"
	EventEntry EventType = "entry"
	EventError EventType = "error"
)

// Error codes carried in Error.Code.
const (
	CodeNotFound        = "not_found"
	CodeAlreadyExists   = "already_exists"
	CodeConditionFailed = "condition_failed"
	CodeUnavailable     = "unavailable"
	CodeBadRequest      = "bad_request"
	CodeRateLimited     = "rate_limited"
)

// Request is sent by the client. ID is chosen by the client and echoed in the
// matching Response.
type Request struct {
	ID         uint64               `json:"id"`
	Op         Op                   `json:"op"`
	Collection string               `json:"collection,omitempty"`
	DocID      string               `json:"docId,omitempty"`
	Sub        string               `json:"sub,omitempty"`
	Fields     docstore.Fields      `json:"fields,omitempty"`
	Conditions []docstore.Condition `json:"conditions,omitempty"`
	Data       json.RawMessage      `json:"data,omitempty"`
	SubID      uint64               `json:"subId,omitempty"`
}

func (r Request) Doc() docstore.DocRef {
	return docstore.DocRef{Collection: r.Collection, ID: r.DocID}
}

func (r Request) CollectionRef() docstore.CollectionRef {
	return r.Doc().Sub(r.Sub)
}

// Message is sent by the server. A message with Event set is a subscription
// event; otherwise it answers the request with the same ID.
type Message struct {
	ID       uint64                `json:"id,omitempty"`
	OK       bool                  `json:"ok,omitempty"`
	Event    EventType             `json:"event,omitempty"`
	SubID    uint64                `json:"subId,omitempty"`
	Snapshot *docstore.DocSnapshot `json:"snapshot,omitempty"`
	Entry    *docstore.Entry       `json:"entry,omitempty"`
	Error    *Error                `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Unwrap maps the wire code back onto the docstore sentinel so callers on
// the client side can use errors.Is exactly as with a local store.
func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeNotFound:
		return docstore.ErrNotFound
	case CodeAlreadyExists:
		return docstore.ErrAlreadyExists
	case CodeConditionFailed:
		return docstore.ErrConditionFailed
	case CodeBadRequest:
		return docstore.ErrInvalidArgument
	default:
		return docstore.ErrUnavailable
	}
}

// ErrorFrom converts a store error into its wire form.
func ErrorFrom(err error) *Error {
	code := CodeUnavailable
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, docstore.ErrAlreadyExists):
		code = CodeAlreadyExists
	case errors.Is(err, docstore.ErrConditionFailed):
		code = CodeConditionFailed
	case errors.Is(err, docstore.ErrInvalidArgument):
		code = CodeBadRequest
	}
	return &Error{Code: code, Message: err.Error()}
}

// ParseRequest decodes a single request strictly: unknown fields and
// trailing data are rejected.
func ParseRequest(data []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var req Request
	if err := dec.Decode(&req); err != nil {
		return Request{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Request{}, fmt.Errorf("unexpected trailing data")
	}
	if err := req.validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (r Request) validate() error {
	if r.ID == 0 {
		return fmt.Errorf("request missing id")
	}
	switch r.Op {
	case OpCreate, OpGet, OpUpdate, OpSubscribeDoc:
		if r.Sub != "" || r.Data != nil {
			return fmt.Errorf("%s request has unexpected fields", r.Op)
		}
		if r.Op != OpUpdate && len(r.Conditions) > 0 {
			return fmt.Errorf("%s request has unexpected conditions", r.Op)
		}
		return docstore.ValidateDoc(r.Doc())
	case OpAppend, OpSubscribeCollection:
		if r.Fields != nil || len(r.Conditions) > 0 {
			return fmt.Errorf("%s request has unexpected fields", r.Op)
		}
		if r.Op == OpAppend && len(r.Data) == 0 {
			return fmt.Errorf("append request missing data")
		}
		return docstore.ValidateCollection(r.CollectionRef())
	case OpUnsubscribe:
		if r.SubID == 0 {
			return fmt.Errorf("unsubscribe request missing subId")
		}
		return nil
	default:
		return fmt.Errorf("unsupported op %q", r.Op)
	}
}
