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

package transport

import (
	"context"
	"io"
	"sync"

	"github.com/altimeterlabs/mcpd/internal/jsonrpc"
)

// InMemory is one end of an in-process transport pair. Messages round-trip
// through the codec so wire behavior matches the real drivers.
type InMemory struct {
	in  chan []byte
	out chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	peer   *InMemory
}

// NewInMemoryPair returns two connected transports.
func NewInMemoryPair() (*InMemory, *InMemory) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	a := &InMemory{in: ba, out: ab, done: make(chan struct{})}
	b := &InMemory{in: ab, out: ba, done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// Read implements Transport.
func (t *InMemory) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, io.EOF
	case data, ok := <-t.in:
		if !ok {
			return nil, io.EOF
		}
		return jsonrpc.DecodeMessage(data)
	case <-t.peer.done:
		// drain anything the peer wrote before closing
		select {
		case data := <-t.in:
			return jsonrpc.DecodeMessage(data)
		default:
			return nil, io.EOF
		}
	}
}

// Write implements Transport.
func (t *InMemory) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	select {
	case <-t.done:
		return ErrClosed
	case <-t.peer.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	case t.out <- data:
		return nil
	}
}

// Close implements Transport.
func (t *InMemory) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}
