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

package client

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/altimeterlabs/mcpd/internal/jsonrpc"
	"github.com/altimeterlabs/mcpd/internal/log"
	"github.com/altimeterlabs/mcpd/internal/protocol"
	"github.com/altimeterlabs/mcpd/internal/transport"
)

func testLogger(t *testing.T) log.Logger {
	t.Helper()
	logger, err := log.NewStdLogger(io.Discard, io.Discard, "ERROR")
	if err != nil {
		t.Fatal(err)
	}
	return logger
}

// startClient runs a client session over an in-memory pair, returning the
// raw server-side transport for wire-level driving.
func startClient(t *testing.T, opts Options) (*Client, *transport.InMemory) {
	t.Helper()
	ct, peer := transport.NewInMemoryPair()
	opts.Logger = testLogger(t)
	c := New(ct, opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.sess.Run(ctx) //nolint:errcheck
	t.Cleanup(func() { c.Close() })
	return c, peer
}

func write(t *testing.T, tp transport.Transport, msg jsonrpc.Message) {
	t.Helper()
	if err := tp.Write(context.Background(), msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, tp transport.Transport) jsonrpc.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := tp.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// Server-initiated requests before the handshake completes are rejected
// with SERVER_NOT_INITIALIZED; ping is exempt.
func TestPreHandshakeRequests(t *testing.T) {
	_, peer := startClient(t, Options{
		Info:     protocol.Implementation{Name: "c", Version: "1"},
		Sampling: func(ctx context.Context, p *protocol.CreateMessageParams) (*protocol.CreateMessageResult, error) { return nil, nil },
	})

	req, err := jsonrpc.NewRequest(jsonrpc.NumberID(1), protocol.SAMPLING_CREATE_MESSAGE, protocol.CreateMessageParams{MaxTokens: 1})
	if err != nil {
		t.Fatal(err)
	}
	write(t, peer, req)
	msg := read(t, peer)
	errResp, ok := msg.(*jsonrpc.ErrorResponse)
	if !ok || errResp.Error.Code != jsonrpc.SERVER_NOT_INITIALIZED {
		t.Fatalf("pre-handshake sampling answered with %#v", msg)
	}

	ping, err := jsonrpc.NewRequest(jsonrpc.NumberID(2), protocol.PING, struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	write(t, peer, ping)
	if _, ok := read(t, peer).(*jsonrpc.Response); !ok {
		t.Error("ping must be answered in any state")
	}
}

// answerHandshake services the initialize exchange from the raw peer side.
func answerHandshake(t *testing.T, peer *transport.InMemory) {
	t.Helper()
	msg := read(t, peer)
	req, ok := msg.(*jsonrpc.Request)
	if !ok || req.Method != protocol.INITIALIZE {
		t.Fatalf("expected initialize, got %#v", msg)
	}
	result := protocol.InitializeResult{
		ProtocolVersion: protocol.LATEST_PROTOCOL_VERSION,
		ServerInfo:      protocol.Implementation{Name: "s", Version: "0"},
	}
	resp, err := jsonrpc.NewResponse(req.ID, result)
	if err != nil {
		t.Fatal(err)
	}
	write(t, peer, resp)

	if n, ok := read(t, peer).(*jsonrpc.Notification); !ok || n.Method != protocol.NOTIFICATION_INITIALIZED {
		t.Fatalf("expected initialized notification")
	}
}

func TestClientAnswersSampling(t *testing.T) {
	c, peer := startClient(t, Options{
		Info: protocol.Implementation{Name: "c", Version: "1"},
		Sampling: func(ctx context.Context, p *protocol.CreateMessageParams) (*protocol.CreateMessageResult, error) {
			return &protocol.CreateMessageResult{
				Role:    protocol.RoleAssistant,
				Content: protocol.NewTextContent("sampled"),
				Model:   "test-model",
			}, nil
		},
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.sess.Initialize(context.Background())
		done <- err
	}()
	answerHandshake(t, peer)
	if err := <-done; err != nil {
		t.Fatalf("handshake: %v", err)
	}

	req, err := jsonrpc.NewRequest(jsonrpc.NumberID(9), protocol.SAMPLING_CREATE_MESSAGE, protocol.CreateMessageParams{
		Messages:  []protocol.SamplingMessage{{Role: protocol.RoleUser, Content: protocol.NewTextContent("hi")}},
		MaxTokens: 16,
	})
	if err != nil {
		t.Fatal(err)
	}
	write(t, peer, req)

	msg := read(t, peer)
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		t.Fatalf("sampling answered with %#v", msg)
	}
	var result protocol.CreateMessageResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.Model != "test-model" {
		t.Errorf("model = %q", result.Model)
	}
	if text, ok := result.Content.(*protocol.TextContent); !ok || text.Text != "sampled" {
		t.Errorf("content = %#v", result.Content)
	}
}

func TestClientAnswersRoots(t *testing.T) {
	c, peer := startClient(t, Options{
		Info:  protocol.Implementation{Name: "c", Version: "1"},
		Roots: []protocol.Root{{URI: "file:///workspace", Name: "ws"}},
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.sess.Initialize(context.Background())
		done <- err
	}()
	answerHandshake(t, peer)
	if err := <-done; err != nil {
		t.Fatalf("handshake: %v", err)
	}

	req, err := jsonrpc.NewRequest(jsonrpc.NumberID(3), protocol.ROOTS_LIST, struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	write(t, peer, req)
	resp, ok := read(t, peer).(*jsonrpc.Response)
	if !ok {
		t.Fatal("roots/list not answered")
	}
	var result protocol.ListRootsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Roots) != 1 || result.Roots[0].URI != "file:///workspace" {
		t.Errorf("roots = %+v", result.Roots)
	}
}

// A client that never registered elicitation answers with
// METHOD_NOT_FOUND, mirroring the capability it did not advertise.
func TestClientGatesUnregisteredCapability(t *testing.T) {
	c, peer := startClient(t, Options{
		Info:  protocol.Implementation{Name: "c", Version: "1"},
		Roots: []protocol.Root{},
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.sess.Initialize(context.Background())
		done <- err
	}()
	answerHandshake(t, peer)
	if err := <-done; err != nil {
		t.Fatalf("handshake: %v", err)
	}

	req, err := jsonrpc.NewRequest(jsonrpc.NumberID(4), protocol.ELICITATION_CREATE, protocol.ElicitParams{Message: "?"})
	if err != nil {
		t.Fatal(err)
	}
	write(t, peer, req)
	errResp, ok := read(t, peer).(*jsonrpc.ErrorResponse)
	if !ok || errResp.Error.Code != jsonrpc.METHOD_NOT_FOUND {
		t.Fatalf("unadvertised elicitation answered with %#v", errResp)
	}
}
