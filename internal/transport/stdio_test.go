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
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/altimeterlabs/mcpd/internal/jsonrpc"
	"github.com/altimeterlabs/mcpd/internal/log"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger(t *testing.T) log.Logger {
	t.Helper()
	logger, err := log.NewStdLogger(io.Discard, io.Discard, "WARN")
	if err != nil {
		t.Fatal(err)
	}
	return logger
}

func TestStdioReadsLines(t *testing.T) {
	ctx := context.Background()
	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n" +
			`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	var out lockedBuffer
	tp := NewStdio(ctx, in, &out, testLogger(t))
	defer tp.Close()

	msg, err := tp.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok || req.Method != "ping" {
		t.Fatalf("first message = %#v", msg)
	}

	msg, err = tp.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n, ok := msg.(*jsonrpc.Notification); !ok || n.Method != "notifications/initialized" {
		t.Fatalf("second message = %#v", msg)
	}

	if _, err = tp.Read(ctx); err != io.EOF {
		t.Fatalf("Read after EOF = %v, want io.EOF", err)
	}
}

func TestStdioWriteFraming(t *testing.T) {
	ctx := context.Background()
	var out lockedBuffer
	tp := NewStdio(ctx, strings.NewReader(""), &out, testLogger(t))
	defer tp.Close()

	resp, err := jsonrpc.NewResponse(jsonrpc.NumberID(1), map[string]any{"ok": true})
	if err != nil {
		t.Fatal(err)
	}
	if err := tp.Write(ctx, resp); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := out.String()
	if !strings.HasSuffix(got, "\n") {
		t.Errorf("line not LF-terminated: %q", got)
	}
	if strings.Count(got, "\n") != 1 {
		t.Errorf("expected exactly one line, got %q", got)
	}
}

// A malformed line with a recoverable id produces a PARSE_ERROR response;
// without an id it is dropped with a log.
func TestStdioMalformedLine(t *testing.T) {
	ctx := context.Background()
	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":9,"method":5}` + "\n" + // undecodable envelope, id recoverable
			"not json at all\n" + // dropped
			`{"jsonrpc":"2.0","id":2,"method":"ping"}` + "\n")
	var out lockedBuffer
	tp := NewStdio(ctx, in, &out, testLogger(t))
	defer tp.Close()

	msg, err := tp.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if req, ok := msg.(*jsonrpc.Request); !ok || req.ID != jsonrpc.NumberID(2) {
		t.Fatalf("surviving message = %#v", msg)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), "-32700") {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("no parse error emitted, output: %q", out.String())
}
