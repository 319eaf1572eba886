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

// Package transport provides the two MCP transport drivers — line-delimited
// stdio and streamable HTTP — behind a single contract: a finite sequence of
// inbound envelopes and serialized outbound writes.
package transport

import (
	"context"
	"errors"

	"github.com/altimeterlabs/mcpd/internal/jsonrpc"
)

// ErrClosed is returned by Write after the transport was closed locally.
var ErrClosed = errors.New("transport is closed")

// Transport is one end of an MCP connection.
//
// Read returns the next inbound envelope; it returns io.EOF when the peer
// closed the connection cleanly. Write delivers one envelope; an envelope is
// fully written before another begins, and a write is atomic with respect to
// framing. Writes may block on backpressure.
type Transport interface {
	Read(ctx context.Context) (jsonrpc.Message, error)
	Write(ctx context.Context, msg jsonrpc.Message) error
	Close() error
}

// SessionIdentifier is implemented by transports that carry a
// server-assigned session identifier (streamable HTTP).
type SessionIdentifier interface {
	SessionID() string
}
