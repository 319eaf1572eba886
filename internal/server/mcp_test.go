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

package server

import (
	"context"
	"io"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/altimeterlabs/mcpd/internal/client"
	"github.com/altimeterlabs/mcpd/internal/jsonrpc"
	"github.com/altimeterlabs/mcpd/internal/log"
	"github.com/altimeterlabs/mcpd/internal/protocol"
	"github.com/altimeterlabs/mcpd/internal/registry"
	"github.com/altimeterlabs/mcpd/internal/session"
	"github.com/altimeterlabs/mcpd/internal/telemetry"
	"github.com/altimeterlabs/mcpd/internal/util"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	logger, err := log.NewStdLogger(io.Discard, io.Discard, "ERROR")
	if err != nil {
		t.Fatal(err)
	}
	instrumentation, err := telemetry.NewInstrumentation("test")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ctx = util.WithLogger(ctx, logger)
	ctx = util.WithInstrumentation(ctx, instrumentation)
	return ctx
}

func testRegistry(t *testing.T, s func() *Server) *registry.Registry {
	t.Helper()
	reg := registry.New()

	echo := &registry.Tool{
		Name:        "echo",
		Description: "returns its message",
		Parameters:  registry.Parameters{registry.NewStringParameter("message", "text to echo")},
		Handler: func(ctx context.Context, rc *session.RequestContext, args map[string]any) (*protocol.CallToolResult, error) {
			msg := args["message"].(string)
			return &protocol.CallToolResult{Content: protocol.ContentList{protocol.NewTextContent(msg)}}, nil
		},
	}
	if err := reg.RegisterTool(echo); err != nil {
		t.Fatal(err)
	}

	start := &registry.Tool{
		Name:        "start_job",
		Description: "starts a long-running job",
		Parameters:  registry.Parameters{},
		Handler: func(ctx context.Context, rc *session.RequestContext, args map[string]any) (*protocol.CallToolResult, error) {
			_, cancel := context.WithCancel(context.Background())
			h := s().Tasks().Create(rc.SessionID(), rc.Request.ID, 200*time.Millisecond, cancel)
			return &protocol.CallToolResult{Content: protocol.ContentList{protocol.NewTextContent(h.ID())}}, nil
		},
	}
	if err := reg.RegisterTool(start); err != nil {
		t.Fatal(err)
	}

	res := protocol.Resource{URI: "test://watched", Name: "watched", MimeType: "text/plain"}
	handler := func(ctx context.Context, rc *session.RequestContext, uri string, vars map[string]string) ([]protocol.ResourceContents, error) {
		return []protocol.ResourceContents{{URI: uri, MimeType: "text/plain", Text: "content"}}, nil
	}
	if err := reg.RegisterResource(res, handler); err != nil {
		t.Fatal(err)
	}

	prompt := protocol.Prompt{
		Name:      "greet",
		Arguments: []protocol.PromptArgument{{Name: "who", Required: true}},
	}
	promptHandler := func(ctx context.Context, rc *session.RequestContext, args map[string]string) (*protocol.GetPromptResult, error) {
		return &protocol.GetPromptResult{
			Messages: []protocol.PromptMessage{{Role: protocol.RoleUser, Content: protocol.NewTextContent("hello " + args["who"])}},
		}, nil
	}
	if err := reg.RegisterPrompt(prompt, promptHandler); err != nil {
		t.Fatal(err)
	}

	return reg
}

// startTestServer brings up the full engine behind an httptest server and
// returns a connected client.
func startTestServer(t *testing.T, opts client.Options) (*Server, *client.Client) {
	t.Helper()
	ctx := testContext(t)

	var s *Server
	reg := testRegistry(t, func() *Server { return s })

	cfg := ServerConfig{
		Version:           "test",
		TaskSweepInterval: 50 * time.Millisecond,
	}
	var err error
	s, err = NewServer(ctx, cfg, reg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ts := httptest.NewServer(s.root)
	t.Cleanup(ts.Close)

	logger, err := log.NewStdLogger(io.Discard, io.Discard, "ERROR")
	if err != nil {
		t.Fatal(err)
	}
	c := client.NewStreamableHTTP(ts.URL+"/mcp", logger, opts)
	t.Cleanup(func() { c.Close() })

	result, err := c.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if result.ServerInfo.Name != SERVER_NAME {
		t.Fatalf("ServerInfo = %+v", result.ServerInfo)
	}
	if result.Capabilities.Resources == nil || result.Capabilities.Tools == nil {
		t.Fatalf("capabilities = %+v", result.Capabilities)
	}
	return s, c
}

func TestEndToEndToolFlow(t *testing.T) {
	_, c := startTestServer(t, client.Options{Info: protocol.Implementation{Name: "c", Version: "1"}})
	ctx := context.Background()

	list, err := c.ListTools(ctx, "")
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(list.Tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(list.Tools))
	}

	res, err := c.CallTool(ctx, "echo", map[string]any{"message": "ahoy"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	text, ok := res.Content[0].(*protocol.TextContent)
	if !ok || text.Text != "ahoy" {
		t.Fatalf("content = %#v", res.Content)
	}

	// schema violations surface as INVALID_PARAMS
	_, err = c.CallTool(ctx, "echo", map[string]any{"message": 7})
	rpcErr, ok := err.(*jsonrpc.RPCError)
	if !ok || rpcErr.Code != jsonrpc.INVALID_PARAMS {
		t.Fatalf("bad args err = %v, want INVALID_PARAMS", err)
	}

	// unknown tool
	_, err = c.CallTool(ctx, "nope", nil)
	rpcErr, ok = err.(*jsonrpc.RPCError)
	if !ok || rpcErr.Code != jsonrpc.INVALID_PARAMS {
		t.Fatalf("unknown tool err = %v", err)
	}
}

func TestEndToEndResourcesAndPrompts(t *testing.T) {
	_, c := startTestServer(t, client.Options{Info: protocol.Implementation{Name: "c", Version: "1"}})
	ctx := context.Background()

	resources, err := c.ListResources(ctx, "")
	if err != nil || len(resources.Resources) != 1 {
		t.Fatalf("ListResources = (%v, %v)", resources, err)
	}
	contents, err := c.ReadResource(ctx, "test://watched")
	if err != nil || contents.Contents[0].Text != "content" {
		t.Fatalf("ReadResource = (%v, %v)", contents, err)
	}

	prompt, err := c.GetPrompt(ctx, "greet", map[string]string{"who": "world"})
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	text := prompt.Messages[0].Content.(*protocol.TextContent)
	if text.Text != "hello world" {
		t.Errorf("prompt text = %q", text.Text)
	}

	// missing required argument
	if _, err := c.GetPrompt(ctx, "greet", nil); err == nil {
		t.Error("missing required prompt argument must fail")
	}
}

// Scenario: subscribe, mutate, observe exactly one update; unsubscribe,
// mutate, observe none.
func TestEndToEndSubscribeUpdate(t *testing.T) {
	var updates atomic.Int64
	s, c := startTestServer(t, client.Options{
		Info: protocol.Implementation{Name: "c", Version: "1"},
		OnResourceUpdated: func(uri string) {
			if uri == "test://watched" {
				updates.Add(1)
			}
		},
	})
	ctx := context.Background()

	if err := c.Subscribe(ctx, "test://watched"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	s.NotifyResourceUpdated(ctx, "test://watched")

	deadline := time.Now().Add(2 * time.Second)
	for updates.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := updates.Load(); got != 1 {
		t.Fatalf("updates = %d, want 1", got)
	}

	if err := c.Unsubscribe(ctx, "test://watched"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	s.NotifyResourceUpdated(ctx, "test://watched")
	time.Sleep(200 * time.Millisecond)
	if got := updates.Load(); got != 1 {
		t.Fatalf("updates after unsubscribe = %d, want 1", got)
	}
}

// Scenario: a task with a short TTL left incomplete expires and its
// cancellation fires, observable through tasks/get.
func TestEndToEndTaskTTL(t *testing.T) {
	_, c := startTestServer(t, client.Options{Info: protocol.Implementation{Name: "c", Version: "1"}})
	ctx := context.Background()

	res, err := c.CallTool(ctx, "start_job", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	taskID := res.Content[0].(*protocol.TextContent).Text

	snap, err := c.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if snap.Status != protocol.TaskWorking {
		t.Fatalf("status = %s, want working", snap.Status)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, err = c.GetTask(ctx, taskID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if snap.Status == protocol.TaskExpired {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("task never expired, last status %s", snap.Status)
}

func TestEndToEndListTasksAndCancel(t *testing.T) {
	s, c := startTestServer(t, client.Options{Info: protocol.Implementation{Name: "c", Version: "1"}})
	ctx := context.Background()
	_ = s

	res, err := c.CallTool(ctx, "start_job", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	taskID := res.Content[0].(*protocol.TextContent).Text

	list, err := c.ListTasks(ctx)
	if err != nil || len(list.Tasks) != 1 {
		t.Fatalf("ListTasks = (%v, %v)", list, err)
	}

	if err := c.CancelTask(ctx, taskID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	snap, err := c.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if snap.Status != protocol.TaskCancelled {
		t.Errorf("status = %s, want cancelled", snap.Status)
	}
}

func TestEndToEndPing(t *testing.T) {
	_, c := startTestServer(t, client.Options{Info: protocol.Implementation{Name: "c", Version: "1"}})
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestTaskStoreScopedPerSession(t *testing.T) {
	s, c := startTestServer(t, client.Options{Info: protocol.Implementation{Name: "c", Version: "1"}})
	ctx := context.Background()

	if _, err := c.CallTool(ctx, "start_job", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if s.Tasks().Len() != 1 {
		t.Fatalf("store len = %d", s.Tasks().Len())
	}
	// tasks from a foreign session are invisible
	if got := len(s.Tasks().List("other-session")); got != 0 {
		t.Errorf("foreign session sees %d tasks", got)
	}
}
