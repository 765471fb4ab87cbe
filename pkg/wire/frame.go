// Package wire defines the frame protocol spoken between the host process
// and content observers: a tagged frame union serialized as UTF-8 JSON with
// a 4-byte little-endian length prefix.
package wire

import (
	"encoding/json"
	"fmt"
)

// MaxFrameSize is the hard cap on a single frame body. A peer declaring a
// larger length is treated as malicious or broken and the frame is dropped.
const MaxFrameSize = 8 * 1024 * 1024

// Actions observed on the wire.
const (
	ActionGetMetadata      = "GET_METADATA"
	ActionGenerateAssets   = "GENERATE_ASSETS"
	ActionGenerateSnapshot = "GENERATE_SNAPSHOT"
	ActionCollect          = "COLLECT"
	ActionPlay             = "PLAY"
	ActionPollRequests     = "POLL_REQUESTS"

	// Events pushed by observers.
	ActionRegister     = "REGISTER"
	ActionTabActivated = "TAB_ACTIVATED"
	ActionTabUpdated   = "TAB_UPDATED"
	ActionAssets       = "ASSETS"
	ActionSnapshot     = "SNAPSHOT"
)

// Request asks the peer to perform an action and expects a Response or an
// ErrorFrame carrying the same id.
type Request struct {
	ID      uint64  `json:"id"`
	Action  string  `json:"action"`
	Payload *string `json:"payload"`
}

// Response answers a Request.
type Response struct {
	ID      uint64  `json:"id"`
	Action  string  `json:"action"`
	Payload *string `json:"payload"`
}

// Event is a fire-and-forget notification; it carries no correlation id.
type Event struct {
	Action  string  `json:"action"`
	Payload *string `json:"payload"`
}

// ErrorFrame reports a failure for the Request with the same id.
type ErrorFrame struct {
	ID      uint64 `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Cancel withdraws an outstanding Request.
type Cancel struct {
	ID uint64 `json:"id"`
}

// Kind is the frame union. Exactly one field is non-nil.
type Kind struct {
	Request  *Request    `json:"Request,omitempty"`
	Response *Response   `json:"Response,omitempty"`
	Event    *Event      `json:"Event,omitempty"`
	Error    *ErrorFrame `json:"Error,omitempty"`
	Cancel   *Cancel     `json:"Cancel,omitempty"`
}

// Frame is one wire-protocol message unit.
type Frame struct {
	Kind Kind `json:"kind"`
}

// NewRequest builds a Request frame.
func NewRequest(id uint64, action string, payload *string) Frame {
	return Frame{Kind: Kind{Request: &Request{ID: id, Action: action, Payload: payload}}}
}

// NewResponse builds a Response frame.
func NewResponse(id uint64, action string, payload *string) Frame {
	return Frame{Kind: Kind{Response: &Response{ID: id, Action: action, Payload: payload}}}
}

// NewEvent builds an Event frame.
func NewEvent(action string, payload *string) Frame {
	return Frame{Kind: Kind{Event: &Event{Action: action, Payload: payload}}}
}

// NewError builds an Error frame answering request id.
func NewError(id uint64, code, message, details string) Frame {
	return Frame{Kind: Kind{Error: &ErrorFrame{ID: id, Code: code, Message: message, Details: details}}}
}

// NewCancel builds a Cancel frame for request id.
func NewCancel(id uint64) Frame {
	return Frame{Kind: Kind{Cancel: &Cancel{ID: id}}}
}

// Validate checks that exactly one union variant is set.
func (f Frame) Validate() error {
	n := 0
	if f.Kind.Request != nil {
		n++
	}
	if f.Kind.Response != nil {
		n++
	}
	if f.Kind.Event != nil {
		n++
	}
	if f.Kind.Error != nil {
		n++
	}
	if f.Kind.Cancel != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("frame must carry exactly one variant, has %d", n)
	}
	return nil
}

// CorrelationID returns the request/response id carried by the frame and
// whether the frame participates in correlation at all.
func (f Frame) CorrelationID() (uint64, bool) {
	switch {
	case f.Kind.Request != nil:
		return f.Kind.Request.ID, true
	case f.Kind.Response != nil:
		return f.Kind.Response.ID, true
	case f.Kind.Error != nil:
		return f.Kind.Error.ID, true
	case f.Kind.Cancel != nil:
		return f.Kind.Cancel.ID, true
	default:
		return 0, false
	}
}

// VariantName names the set union variant, for logs.
func (f Frame) VariantName() string {
	switch {
	case f.Kind.Request != nil:
		return "Request"
	case f.Kind.Response != nil:
		return "Response"
	case f.Kind.Event != nil:
		return "Event"
	case f.Kind.Error != nil:
		return "Error"
	case f.Kind.Cancel != nil:
		return "Cancel"
	default:
		return "Invalid"
	}
}

// StringPayload wraps s so it can be attached to a frame.
func StringPayload(s string) *string {
	return &s
}

// JSONPayload marshals v and wraps the result as a frame payload.
func JSONPayload(v any) (*string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}
