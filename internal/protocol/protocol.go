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

// Package protocol defines the typed payloads for every MCP method the
// engine speaks. The JSON-RPC envelope layer lives in internal/jsonrpc;
// these are the shapes carried in params and result members.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/altimeterlabs/mcpd/internal/jsonrpc"
)

// LATEST_PROTOCOL_VERSION is the most recent version of the MCP protocol
// this engine supports.
const LATEST_PROTOCOL_VERSION = "2025-06-18"

// SupportedProtocolVersions lists every protocol version the engine can
// negotiate, newest first.
var SupportedProtocolVersions = []string{
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

// NegotiateVersion picks the protocol version for a session. The client's
// requested version wins when the engine supports it; an unknown version is
// a negotiation failure and initialization does not proceed.
func NegotiateVersion(requested string) (string, error) {
	for _, v := range SupportedProtocolVersions {
		if v == requested {
			return v, nil
		}
	}
	return "", fmt.Errorf("unsupported protocol version %q (supported: %v)", requested, SupportedProtocolVersions)
}

// Implementation describes the name and version of an MCP implementation.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// ListChanged reports whether a capability owner emits list_changed
// notifications for it.
type ListChanged struct {
	ListChanged *bool `json:"listChanged,omitempty"`
}

// ResourcesCapability covers resources/* methods. Subscribe gates
// resources/subscribe and resources/unsubscribe.
type ResourcesCapability struct {
	Subscribe   *bool `json:"subscribe,omitempty"`
	ListChanged *bool `json:"listChanged,omitempty"`
}

// ServerCapabilities represents capabilities that a server may support.
// Known capabilities are defined here, but this is not a closed set: any
// server can define its own, additional capabilities under Experimental.
type ServerCapabilities struct {
	Experimental map[string]any       `json:"experimental,omitempty"`
	Logging      *struct{}            `json:"logging,omitempty"`
	Completions  *struct{}            `json:"completions,omitempty"`
	Prompts      *ListChanged         `json:"prompts,omitempty"`
	Resources    *ResourcesCapability `json:"resources,omitempty"`
	Tools        *ListChanged         `json:"tools,omitempty"`
	Tasks        *struct{}            `json:"tasks,omitempty"`
}

// ClientCapabilities represents capabilities a client may support.
type ClientCapabilities struct {
	Experimental map[string]any `json:"experimental,omitempty"`
	Roots        *ListChanged   `json:"roots,omitempty"`
	Sampling     *struct{}      `json:"sampling,omitempty"`
	Elicitation  *struct{}      `json:"elicitation,omitempty"`
}

/* Initialization */

// InitializeParams is sent by the client when it first connects, asking the
// server to begin initialization.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult is returned for an initialize request.
type InitializeResult struct {
	// The version of the Model Context Protocol that the server wants to
	// use. This may not match the version that the client requested. If the
	// client cannot support this version, it MUST disconnect.
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	// Instructions describing how to use the server and its features. It
	// can be thought of like a "hint" to the model.
	Instructions string `json:"instructions,omitempty"`
}

/* Request metadata */

// RequestMeta is the reserved _meta member of request params.
type RequestMeta struct {
	// If specified, the caller is requesting out-of-band progress
	// notifications for this request (as represented by
	// notifications/progress). The value is an opaque token attached to any
	// subsequent notifications. The receiver is not obligated to provide
	// these notifications.
	ProgressToken any `json:"progressToken,omitempty"`
}

// MetaOf extracts the _meta member from raw request params without decoding
// the method-specific fields.
func MetaOf(params json.RawMessage) RequestMeta {
	if len(params) == 0 {
		return RequestMeta{}
	}
	var probe struct {
		Meta RequestMeta `json:"_meta"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return RequestMeta{}
	}
	return probe.Meta
}

/* Cancellation */

// CancelledParams is the payload of notifications/cancelled.
type CancelledParams struct {
	RequestID jsonrpc.ID `json:"requestId"`
	Reason    string     `json:"reason,omitempty"`
}

/* Progress */

// ProgressParams is the payload of notifications/progress.
type ProgressParams struct {
	ProgressToken any     `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
	Message       string  `json:"message,omitempty"`
}

/* Logging */

// LoggingLevel is an RFC-5424 severity used for notifications/message.
type LoggingLevel string

const (
	LevelDebug     LoggingLevel = "debug"
	LevelInfo      LoggingLevel = "info"
	LevelNotice    LoggingLevel = "notice"
	LevelWarning   LoggingLevel = "warning"
	LevelError     LoggingLevel = "error"
	LevelCritical  LoggingLevel = "critical"
	LevelAlert     LoggingLevel = "alert"
	LevelEmergency LoggingLevel = "emergency"
)

var levelSeverity = map[LoggingLevel]int{
	LevelDebug:     0,
	LevelInfo:      1,
	LevelNotice:    2,
	LevelWarning:   3,
	LevelError:     4,
	LevelCritical:  5,
	LevelAlert:     6,
	LevelEmergency: 7,
}

// Severity returns the ordering rank of a level, or -1 for an unknown level.
func (l LoggingLevel) Severity() int {
	if s, ok := levelSeverity[l]; ok {
		return s
	}
	return -1
}

// Valid reports whether the level is one of the eight RFC-5424 severities.
func (l LoggingLevel) Valid() bool { return l.Severity() >= 0 }

// SetLevelParams is the payload of logging/setLevel.
type SetLevelParams struct {
	Level LoggingLevel `json:"level"`
}

// LoggingMessageParams is the payload of notifications/message.
type LoggingMessageParams struct {
	Level  LoggingLevel    `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data"`
}

/* Pagination */

// Cursor is an opaque token used to represent a cursor for pagination.
type Cursor string

// PaginatedParams carries the cursor of a paginated list request.
type PaginatedParams struct {
	// An opaque token representing the current pagination position. If
	// provided, the server returns results starting after this cursor.
	Cursor Cursor `json:"cursor,omitempty"`
}

/* Ping */

// PingParams is the (empty) payload of ping in either direction.
type PingParams struct{}

// EmptyResult is a response that indicates success but carries no data.
type EmptyResult struct{}
