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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/altimeterlabs/mcpd/internal/jsonrpc"
	"github.com/altimeterlabs/mcpd/internal/log"
)

// Stdio frames one UTF-8 JSON envelope per LF-terminated line. Diagnostics
// must go to stderr only; the in/out streams carry protocol traffic.
type Stdio struct {
	logger log.Logger

	writeMu sync.Mutex
	writer  io.Writer

	incoming chan stdioRead
	done     chan struct{}
	closer   sync.Once
}

type stdioRead struct {
	msg jsonrpc.Message
	err error
}

// NewStdio returns a transport over the given streams and starts its reader.
func NewStdio(ctx context.Context, stdin io.Reader, stdout io.Writer, logger log.Logger) *Stdio {
	t := &Stdio{
		logger:   logger,
		writer:   stdout,
		incoming: make(chan stdioRead, 1),
		done:     make(chan struct{}),
	}
	go t.readLoop(ctx, bufio.NewReader(stdin))
	return t
}

// readLoop reads requests/notifications from the peer line by line. A
// malformed line produces an error response when an id can be recovered
// (PARSE_ERROR, or INVALID_REQUEST for valid JSON that is not a valid
// envelope); otherwise the line is dropped with a log.
func (t *Stdio) readLoop(ctx context.Context, reader *bufio.Reader) {
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			msg, decErr := jsonrpc.DecodeMessage(line)
			if decErr != nil {
				t.rejectLine(ctx, line, decErr)
			} else {
				select {
				case t.incoming <- stdioRead{msg: msg}:
				case <-t.done:
					return
				}
			}
		}
		if err != nil {
			select {
			case t.incoming <- stdioRead{err: err}:
			case <-t.done:
			}
			return
		}
	}
}

func (t *Stdio) rejectLine(ctx context.Context, line []byte, decErr error) {
	t.logger.WarnContext(ctx, fmt.Sprintf("dropping malformed input line: %v", decErr))
	id := jsonrpc.RecoverID(line)
	if !id.IsValid() {
		return
	}
	code := jsonrpc.PARSE_ERROR
	var wireErr *jsonrpc.WireError
	if errors.As(decErr, &wireErr) {
		code = wireErr.Code
	}
	if err := t.Write(ctx, jsonrpc.NewError(id, code, decErr.Error(), nil)); err != nil {
		t.logger.WarnContext(ctx, fmt.Sprintf("unable to reject malformed line: %v", err))
	}
}

// Read implements Transport.
func (t *Stdio) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, io.EOF
	case r := <-t.incoming:
		return r.msg, r.err
	}
}

// Write implements Transport. One envelope per line; the line is written in
// a single call under the write lock so frames never interleave.
func (t *Stdio) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.writer.Write(append(data, '\n'))
	return err
}

// Close implements Transport.
func (t *Stdio) Close() error {
	t.closer.Do(func() { close(t.done) })
	return nil
}
