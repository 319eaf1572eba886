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

// Package client runs the protocol engine in the client role: it drives
// the initialize handshake, invokes server capabilities, and answers
// server-initiated sampling, elicitation and roots requests with handlers
// the host registers. Server requests arriving before the handshake
// completes are rejected with SERVER_NOT_INITIALIZED; ping is exempt.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/altimeterlabs/mcpd/internal/jsonrpc"
	"github.com/altimeterlabs/mcpd/internal/log"
	"github.com/altimeterlabs/mcpd/internal/protocol"
	"github.com/altimeterlabs/mcpd/internal/session"
	"github.com/altimeterlabs/mcpd/internal/transport"
)

// SamplingHandler runs a model completion on behalf of the server.
type SamplingHandler func(ctx context.Context, params *protocol.CreateMessageParams) (*protocol.CreateMessageResult, error)

// ElicitationHandler collects structured input from the user on behalf of
// the server.
type ElicitationHandler func(ctx context.Context, params *protocol.ElicitParams) (*protocol.ElicitResult, error)

// Options configure a Client. Capabilities are advertised for exactly the
// handlers that are registered: a nil SamplingHandler means the client
// answers sampling/createMessage with METHOD_NOT_FOUND.
type Options struct {
	Info   protocol.Implementation
	Logger log.Logger

	Sampling    SamplingHandler
	Elicitation ElicitationHandler
	Roots       []protocol.Root

	// OnResourceUpdated observes notifications/resources/updated.
	OnResourceUpdated func(uri string)
	// OnLogMessage observes notifications/message.
	OnLogMessage func(params protocol.LoggingMessageParams)
	// OnListChanged observes */list_changed notifications by method name.
	OnListChanged func(method string)

	DebugErrors bool
}

// Client is one MCP client session.
type Client struct {
	sess *session.Session
	opts Options
}

// New wraps a transport in a client session. Connect must be called to
// drive the handshake.
func New(t transport.Transport, opts Options) *Client {
	c := &Client{opts: opts}

	caps := protocol.ClientCapabilities{}
	if opts.Sampling != nil {
		caps.Sampling = &struct{}{}
	}
	if opts.Elicitation != nil {
		caps.Elicitation = &struct{}{}
	}
	if opts.Roots != nil {
		listChanged := true
		caps.Roots = &protocol.ListChanged{ListChanged: &listChanged}
	}

	c.sess = session.New(t, session.Options{
		Role:               session.RoleClient,
		Logger:             opts.Logger,
		Handler:            &clientHandler{client: c},
		Info:               opts.Info,
		ClientCapabilities: caps,
		DebugErrors:        opts.DebugErrors,
	})
	return c
}

// NewStdio returns a client speaking line-delimited JSON over the given
// streams (typically a child process's stdout/stdin).
func NewStdio(ctx context.Context, in io.Reader, out io.Writer, logger log.Logger, opts Options) *Client {
	opts.Logger = logger
	return New(transport.NewStdio(ctx, in, out, logger), opts)
}

// NewStreamableHTTP returns a client for the streamable HTTP endpoint at
// url.
func NewStreamableHTTP(url string, logger log.Logger, opts Options) *Client {
	opts.Logger = logger
	return New(transport.NewStreamableClient(url, logger, nil), opts)
}

// Connect starts the session pump and drives the initialize handshake.
func (c *Client) Connect(ctx context.Context) (*protocol.InitializeResult, error) {
	go func() {
		if err := c.sess.Run(ctx); err != nil && ctx.Err() == nil {
			c.opts.Logger.WarnContext(ctx, fmt.Sprintf("client session ended: %v", err))
		}
	}()
	return c.sess.Initialize(ctx)
}

// Session exposes the underlying endpoint for advanced use.
func (c *Client) Session() *session.Session { return c.sess }

// Close tears the session down.
func (c *Client) Close() error { return c.sess.Close() }

/* Server capability invocations */

// Ping probes the server; permitted in any lifecycle state.
func (c *Client) Ping(ctx context.Context) error {
	return c.sess.Call(ctx, protocol.PING, struct{}{}, nil)
}

// ListTools fetches one page of tool manifests.
func (c *Client) ListTools(ctx context.Context, cursor protocol.Cursor) (*protocol.ListToolsResult, error) {
	var out protocol.ListToolsResult
	if err := c.sess.Call(ctx, protocol.TOOLS_LIST, protocol.PaginatedParams{Cursor: cursor}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CallTool invokes a tool. opts may register a progress callback.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any, opts ...session.CallOption) (*protocol.CallToolResult, error) {
	var out protocol.CallToolResult
	params := protocol.CallToolParams{Name: name, Arguments: args}
	if err := c.sess.Call(ctx, protocol.TOOLS_CALL, params, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListResources fetches one page of resource manifests.
func (c *Client) ListResources(ctx context.Context, cursor protocol.Cursor) (*protocol.ListResourcesResult, error) {
	var out protocol.ListResourcesResult
	if err := c.sess.Call(ctx, protocol.RESOURCES_LIST, protocol.PaginatedParams{Cursor: cursor}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListResourceTemplates fetches one page of template manifests.
func (c *Client) ListResourceTemplates(ctx context.Context, cursor protocol.Cursor) (*protocol.ListResourceTemplatesResult, error) {
	var out protocol.ListResourceTemplatesResult
	if err := c.sess.Call(ctx, protocol.RESOURCES_TEMPLATES_LIST, protocol.PaginatedParams{Cursor: cursor}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	var out protocol.ReadResourceResult
	if err := c.sess.Call(ctx, protocol.RESOURCES_READ, protocol.ReadResourceParams{URI: uri}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscribe registers for notifications/resources/updated on uri.
func (c *Client) Subscribe(ctx context.Context, uri string) error {
	return c.sess.Call(ctx, protocol.RESOURCES_SUBSCRIBE, protocol.SubscribeParams{URI: uri}, nil)
}

// Unsubscribe removes a resource subscription.
func (c *Client) Unsubscribe(ctx context.Context, uri string) error {
	return c.sess.Call(ctx, protocol.RESOURCES_UNSUBSCRIBE, protocol.SubscribeParams{URI: uri}, nil)
}

// ListPrompts fetches one page of prompt manifests.
func (c *Client) ListPrompts(ctx context.Context, cursor protocol.Cursor) (*protocol.ListPromptsResult, error) {
	var out protocol.ListPromptsResult
	if err := c.sess.Call(ctx, protocol.PROMPTS_LIST, protocol.PaginatedParams{Cursor: cursor}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPrompt expands a prompt template.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*protocol.GetPromptResult, error) {
	var out protocol.GetPromptResult
	if err := c.sess.Call(ctx, protocol.PROMPTS_GET, protocol.GetPromptParams{Name: name, Arguments: args}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetLogLevel sets the server-side wire-log threshold for this session.
func (c *Client) SetLogLevel(ctx context.Context, level protocol.LoggingLevel) error {
	return c.sess.Call(ctx, protocol.LOGGING_SET_LEVEL, protocol.SetLevelParams{Level: level}, nil)
}

// Complete requests argument completion.
func (c *Client) Complete(ctx context.Context, params protocol.CompleteParams) (*protocol.CompleteResult, error) {
	var out protocol.CompleteResult
	if err := c.sess.Call(ctx, protocol.COMPLETION_COMPLETE, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask polls a long-running task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*protocol.TaskSnapshot, error) {
	var out protocol.TaskSnapshot
	if err := c.sess.Call(ctx, protocol.TASKS_GET, protocol.GetTaskParams{TaskID: taskID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks lists this session's long-running tasks.
func (c *Client) ListTasks(ctx context.Context) (*protocol.ListTasksResult, error) {
	var out protocol.ListTasksResult
	if err := c.sess.Call(ctx, protocol.TASKS_LIST, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelTask requests cancellation of a long-running task.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.sess.Call(ctx, protocol.TASKS_CANCEL, protocol.GetTaskParams{TaskID: taskID}, nil)
}

/* Inbound dispatch */

type clientHandler struct {
	client *Client
}

func (h *clientHandler) HandleRequest(ctx context.Context, rc *session.RequestContext) (any, error) {
	opts := h.client.opts
	switch rc.Request.Method {
	case protocol.SAMPLING_CREATE_MESSAGE:
		if opts.Sampling == nil {
			return nil, &jsonrpc.RPCError{Code: jsonrpc.METHOD_NOT_FOUND, Message: "sampling is not supported"}
		}
		var params protocol.CreateMessageParams
		if err := json.Unmarshal(rc.Request.Params, &params); err != nil {
			return nil, &jsonrpc.RPCError{Code: jsonrpc.INVALID_PARAMS, Message: fmt.Sprintf("invalid sampling request: %v", err)}
		}
		return opts.Sampling(ctx, &params)
	case protocol.ELICITATION_CREATE:
		if opts.Elicitation == nil {
			return nil, &jsonrpc.RPCError{Code: jsonrpc.METHOD_NOT_FOUND, Message: "elicitation is not supported"}
		}
		var params protocol.ElicitParams
		if err := json.Unmarshal(rc.Request.Params, &params); err != nil {
			return nil, &jsonrpc.RPCError{Code: jsonrpc.INVALID_PARAMS, Message: fmt.Sprintf("invalid elicitation request: %v", err)}
		}
		return opts.Elicitation(ctx, &params)
	case protocol.ROOTS_LIST:
		roots := opts.Roots
		if roots == nil {
			roots = []protocol.Root{}
		}
		return protocol.ListRootsResult{Roots: roots}, nil
	default:
		return nil, &jsonrpc.RPCError{Code: jsonrpc.METHOD_NOT_FOUND, Message: fmt.Sprintf("invalid method %s", rc.Request.Method)}
	}
}

func (h *clientHandler) HandleNotification(ctx context.Context, sess *session.Session, method string, params json.RawMessage) error {
	opts := h.client.opts
	switch method {
	case protocol.NOTIFICATION_RESOURCES_UPDATED:
		if opts.OnResourceUpdated == nil {
			return nil
		}
		var p protocol.ResourceUpdatedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("invalid resources/updated payload: %w", err)
		}
		opts.OnResourceUpdated(p.URI)
	case protocol.NOTIFICATION_MESSAGE:
		if opts.OnLogMessage == nil {
			return nil
		}
		var p protocol.LoggingMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("invalid log payload: %w", err)
		}
		opts.OnLogMessage(p)
	case protocol.NOTIFICATION_TOOLS_LIST_CHANGED,
		protocol.NOTIFICATION_RESOURCES_LIST_CHANGED,
		protocol.NOTIFICATION_PROMPTS_LIST_CHANGED:
		if opts.OnListChanged != nil {
			opts.OnListChanged(method)
		}
	}
	return nil
}
