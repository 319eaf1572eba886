// Copyright 2025 Altimeter Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package jsonrpc implements the JSON-RPC 2.0 envelope layer used by MCP.
// It is intended to be compatible with other implementations at the wire
// level: https://www.jsonrpc.org/specification
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

// JSONRPC_VERSION is the version of JSON-RPC used by MCP.
const JSONRPC_VERSION = "2.0"

// Standard JSON-RPC error codes, plus the MCP-specific extensions.
const (
	PARSE_ERROR      = -32700
	INVALID_REQUEST  = -32600
	METHOD_NOT_FOUND = -32601
	INVALID_PARAMS   = -32602
	INTERNAL_ERROR   = -32603

	// SERVER_NOT_INITIALIZED rejects non-initialize traffic before the
	// handshake completes.
	SERVER_NOT_INITIALIZED = -32002
	// REQUEST_CANCELLED is surfaced to local awaiters only; a cancelled
	// request never produces a response envelope on the wire.
	REQUEST_CANCELLED = -32800
)

// fastjson is used on the encode hot path (SSE event bodies, stdio lines).
var fastjson = jsoniter.ConfigCompatibleWithStandardLibrary

// ID is a Request identifier: a string or an integer, unique within a
// sender for the lifetime of a session. The zero ID is invalid and
// marshals as JSON null (used for error responses when no id could be
// recovered from the input).
type ID struct {
	name   string
	number int64
	kind   idKind
}

type idKind uint8

const (
	idNone idKind = iota
	idString
	idNumber
)

// StringID returns an ID carrying a string value.
func StringID(s string) ID { return ID{name: s, kind: idString} }

// NumberID returns an ID carrying an integer value.
func NumberID(n int64) ID { return ID{number: n, kind: idNumber} }

// IsValid reports whether the ID was set. Notifications have no valid ID.
func (id ID) IsValid() bool { return id.kind != idNone }

func (id ID) String() string {
	switch id.kind {
	case idString:
		return strconv.Quote(id.name)
	case idNumber:
		return strconv.FormatInt(id.number, 10)
	default:
		return "<nil>"
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idString:
		return json.Marshal(id.name)
	case idNumber:
		return json.Marshal(id.number)
	default:
		return []byte("null"), nil
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	*id = ID{}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID{name: s, kind: idString}
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		// A fractional id is an envelope violation per the MCP schema.
		return fmt.Errorf("request id must be a string or an integer, got %s", data)
	}
	*id = ID{number: n, kind: idNumber}
	return nil
}

// Message is the union of the four wire envelopes: *Request, *Notification,
// *Response and *ErrorResponse.
type Message interface {
	isJSONRPCMessage()
}

// Request expects a Response or an ErrorResponse carrying the same ID.
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification is a one-way message requiring no response.
type Notification struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a successful reply to a Request.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result"`
}

// ErrorResponse is a non-successful reply to a Request.
type ErrorResponse struct {
	Jsonrpc string    `json:"jsonrpc"`
	ID      ID        `json:"id"`
	Error   *RPCError `json:"error"`
}

// RPCError is the error member of an ErrorResponse.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func (*Request) isJSONRPCMessage()       {}
func (*Notification) isJSONRPCMessage()  {}
func (*Response) isJSONRPCMessage()      {}
func (*ErrorResponse) isJSONRPCMessage() {}

// NewRequest builds a Request, marshalling params unless they are already raw.
func NewRequest(id ID, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshalling request params: %w", err)
	}
	return &Request{Jsonrpc: JSONRPC_VERSION, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a Notification.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshalling notification params: %w", err)
	}
	return &Notification{Jsonrpc: JSONRPC_VERSION, Method: method, Params: raw}, nil
}

// NewResponse builds a successful Response for id.
func NewResponse(id ID, result any) (*Response, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, fmt.Errorf("marshalling result: %w", err)
	}
	if raw == nil {
		raw = json.RawMessage(`{}`)
	}
	return &Response{Jsonrpc: JSONRPC_VERSION, ID: id, Result: raw}, nil
}

// NewError builds an ErrorResponse for id with the given code and message.
func NewError(id ID, code int, message string, data any) *ErrorResponse {
	var raw json.RawMessage
	if data != nil {
		raw, _ = fastjson.Marshal(data)
	}
	return &ErrorResponse{
		Jsonrpc: JSONRPC_VERSION,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: raw},
	}
}

func marshalParams(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		data, err := fastjson.Marshal(v)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(data), nil
	}
}

// combined has the fields of every envelope variant. We decode into it and
// then work out which variant we received.
type combined struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// WireError reports a violation of the envelope layer. Code is one of
// PARSE_ERROR or INVALID_REQUEST.
type WireError struct {
	Code int
	err  error
}

func (e *WireError) Error() string { return e.err.Error() }
func (e *WireError) Unwrap() error { return e.err }

func parseErrf(format string, args ...any) *WireError {
	return &WireError{Code: PARSE_ERROR, err: fmt.Errorf(format, args...)}
}

func invalidf(format string, args ...any) *WireError {
	return &WireError{Code: INVALID_REQUEST, err: fmt.Errorf(format, args...)}
}

// DecodeMessage decodes a single envelope. Unknown methods are NOT a decode
// failure; they surface later as METHOD_NOT_FOUND during dispatch.
func DecodeMessage(data []byte) (Message, error) {
	msg := &combined{ID: ID{}}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, parseErrf("unmarshal failed: %v", err)
	}
	if msg.Jsonrpc != JSONRPC_VERSION {
		return nil, invalidf("invalid jsonrpc version %q", msg.Jsonrpc)
	}
	switch {
	case msg.Method != "" && msg.ID.IsValid():
		return &Request{Jsonrpc: msg.Jsonrpc, ID: msg.ID, Method: msg.Method, Params: msg.Params}, nil
	case msg.Method != "":
		return &Notification{Jsonrpc: msg.Jsonrpc, Method: msg.Method, Params: msg.Params}, nil
	case msg.Error != nil:
		return &ErrorResponse{Jsonrpc: msg.Jsonrpc, ID: msg.ID, Error: msg.Error}, nil
	case msg.ID.IsValid():
		return &Response{Jsonrpc: msg.Jsonrpc, ID: msg.ID, Result: msg.Result}, nil
	default:
		return nil, invalidf("message is not a request, notification or response")
	}
}

// DecodeBatch decodes a POST body that is either a single envelope or a
// JSON array of envelopes. batch reports whether the array form was used.
func DecodeBatch(data []byte) (msgs []Message, batch bool, err error) {
	trimmed := firstNonSpace(data)
	if trimmed != '[' {
		m, err := DecodeMessage(data)
		if err != nil {
			return nil, false, err
		}
		return []Message{m}, false, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, true, parseErrf("unmarshal batch failed: %v", err)
	}
	if len(raws) == 0 {
		return nil, true, invalidf("empty batch")
	}
	for _, raw := range raws {
		m, err := DecodeMessage(raw)
		if err != nil {
			return nil, true, err
		}
		msgs = append(msgs, m)
	}
	return msgs, true, nil
}

func firstNonSpace(data []byte) byte {
	for _, c := range data {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c
	}
	return 0
}

// EncodeMessage marshals an envelope for the wire.
func EncodeMessage(msg Message) ([]byte, error) {
	data, err := fastjson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshalling message: %w", err)
	}
	return data, nil
}

// RecoverID attempts to pull a request id out of an undecodable line so a
// PARSE_ERROR response can still be correlated. Returns the zero ID when no
// id is recoverable.
func RecoverID(data []byte) ID {
	var probe struct {
		ID ID `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ID{}
	}
	return probe.ID
}
