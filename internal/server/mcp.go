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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/altimeterlabs/mcpd/internal/jsonrpc"
	"github.com/altimeterlabs/mcpd/internal/protocol"
	"github.com/altimeterlabs/mcpd/internal/registry"
	"github.com/altimeterlabs/mcpd/internal/session"
	"github.com/altimeterlabs/mcpd/internal/tasks"
	"github.com/altimeterlabs/mcpd/internal/transport"
	"github.com/altimeterlabs/mcpd/internal/util"
)

// mcpRouter creates the router for the MCP endpoint. The streamable
// handler owns method dispatch (POST/GET/DELETE) on the endpoint path.
func mcpRouter(s *Server) (chi.Router, error) {
	r := chi.NewRouter()
	r.Use(middleware.StripSlashes)
	r.HandleFunc("/", s.mcpHandler.ServeHTTP)
	return r, nil
}

// serverCapabilities advertises everything the engine serves.
func (s *Server) serverCapabilities() protocol.ServerCapabilities {
	subscribe := true
	listChanged := true
	return protocol.ServerCapabilities{
		Tools:       &protocol.ListChanged{ListChanged: &listChanged},
		Prompts:     &protocol.ListChanged{ListChanged: &listChanged},
		Resources:   &protocol.ResourcesCapability{Subscribe: &subscribe, ListChanged: &listChanged},
		Logging:     &struct{}{},
		Completions: &struct{}{},
		Tasks:       &struct{}{},
	}
}

// newSession builds a server-role endpoint over a transport and tracks it
// for subscription fan-out and task cleanup.
func (s *Server) newSession(t transport.Transport) *session.Session {
	sess := session.New(t, session.Options{
		Role:               session.RoleServer,
		Logger:             s.logger,
		Instrumentation:    s.instrumentation,
		Handler:            &serverHandler{server: s},
		Info:               protocol.Implementation{Name: SERVER_NAME, Version: s.version},
		ServerCapabilities: s.serverCapabilities(),
		Instructions:       s.instructions,
		DebugErrors:        s.debugErrors,
		OnClose: func(sess *session.Session) {
			s.subs.remove(sess)
			s.tasks.DropSession(sess.ID())
		},
	})
	s.subs.add(sess)
	return sess
}

// connectSession wires a transport into a running session endpoint.
func (s *Server) connectSession(ctx context.Context, t transport.Transport) *session.Session {
	sess := s.newSession(t)
	go func() {
		if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.WarnContext(ctx, fmt.Sprintf("session %s ended: %v", sess.ID(), err))
		}
	}()
	return sess
}

// ServeStdio runs a single MCP session over stdin/stdout until EOF or ctx
// cancellation. Diagnostics go to stderr only.
func (s *Server) ServeStdio(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	t := transport.NewStdio(ctx, stdin, stdout, s.logger)
	return s.newSession(t).Run(ctx)
}

// serverHandler routes inbound requests to the registry. Lifecycle and
// capability gating already happened in the session layer.
type serverHandler struct {
	server *Server
}

func (h *serverHandler) HandleRequest(ctx context.Context, rc *session.RequestContext) (any, error) {
	s := h.server
	ctx, span := s.instrumentation.Tracer.Start(ctx, "mcpd/server/mcp/"+rc.Request.Method)
	span.SetAttributes(attribute.String("session_id", rc.SessionID()))
	var err error
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var result any
	switch rc.Request.Method {
	case protocol.TOOLS_LIST:
		result, err = h.toolsList(rc)
	case protocol.TOOLS_CALL:
		result, err = h.toolsCall(ctx, rc)
	case protocol.RESOURCES_LIST:
		result, err = h.resourcesList(rc)
	case protocol.RESOURCES_TEMPLATES_LIST:
		result, err = h.resourceTemplatesList(rc)
	case protocol.RESOURCES_READ:
		result, err = h.resourcesRead(ctx, rc)
	case protocol.RESOURCES_SUBSCRIBE:
		result, err = h.subscribe(rc)
	case protocol.RESOURCES_UNSUBSCRIBE:
		result, err = h.unsubscribe(rc)
	case protocol.PROMPTS_LIST:
		result, err = h.promptsList(rc)
	case protocol.PROMPTS_GET:
		result, err = h.promptsGet(ctx, rc)
	case protocol.LOGGING_SET_LEVEL:
		result, err = h.setLevel(rc)
	case protocol.COMPLETION_COMPLETE:
		result, err = h.complete(ctx, rc)
	case protocol.TASKS_LIST:
		result, err = h.tasksList(rc)
	case protocol.TASKS_GET:
		result, err = h.tasksGet(rc)
	case protocol.TASKS_CANCEL:
		result, err = h.tasksCancel(rc)
	default:
		err = &jsonrpc.RPCError{Code: jsonrpc.METHOD_NOT_FOUND, Message: fmt.Sprintf("invalid method %s", rc.Request.Method)}
	}
	return result, err
}

func (h *serverHandler) HandleNotification(ctx context.Context, sess *session.Session, method string, params json.RawMessage) error {
	h.server.logger.DebugContext(ctx, fmt.Sprintf("notification %q from session %s", method, sess.ID()))
	return nil
}

func invalidParams(format string, args ...any) *jsonrpc.RPCError {
	return &jsonrpc.RPCError{Code: jsonrpc.INVALID_PARAMS, Message: fmt.Sprintf(format, args...)}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	// decode with UseNumber to prevent loss between floats and ints.
	return util.DecodeJSON(bytes.NewReader(raw), v)
}

func (h *serverHandler) toolsList(rc *session.RequestContext) (any, error) {
	var params protocol.PaginatedParams
	if err := decodeParams(rc.Request.Params, &params); err != nil {
		return nil, invalidParams("invalid tools list request: %v", err)
	}
	tools, next, err := h.server.registry.ListTools(params.Cursor, h.server.pageSize)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	if tools == nil {
		tools = []protocol.Tool{}
	}
	return protocol.ListToolsResult{Tools: tools, NextCursor: next}, nil
}

func (h *serverHandler) toolsCall(ctx context.Context, rc *session.RequestContext) (any, error) {
	var params protocol.CallToolParams
	if err := decodeParams(rc.Request.Params, &params); err != nil {
		return nil, invalidParams("invalid tools call request: %v", err)
	}
	h.server.logger.DebugContext(ctx, fmt.Sprintf("tool name: %s", params.Name))
	tool, ok := h.server.registry.GetTool(params.Name)
	if !ok {
		return nil, invalidParams("invalid tool name: tool with name %q does not exist", params.Name)
	}

	args, err := registry.ParseParams(tool.Parameters, params.Arguments)
	if err != nil {
		return nil, invalidParams("provided parameters were invalid: %v", err)
	}

	res, err := tool.Handler(ctx, rc, args)
	if err != nil {
		// Tool-originated failures are reported inside the result so the
		// model can see them; only engine-level failures become protocol
		// errors.
		if rpcErr, ok := err.(*jsonrpc.RPCError); ok {
			return nil, rpcErr
		}
		return protocol.CallToolResult{
			Content: protocol.ContentList{protocol.NewTextContent(err.Error())},
			IsError: true,
		}, nil
	}
	if res == nil {
		res = &protocol.CallToolResult{Content: protocol.ContentList{}}
	}
	if res.Content == nil {
		res.Content = protocol.ContentList{}
	}
	return res, nil
}

func (h *serverHandler) resourcesList(rc *session.RequestContext) (any, error) {
	var params protocol.PaginatedParams
	if err := decodeParams(rc.Request.Params, &params); err != nil {
		return nil, invalidParams("invalid resources list request: %v", err)
	}
	resources, next, err := h.server.registry.ListResources(params.Cursor, h.server.pageSize)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	if resources == nil {
		resources = []protocol.Resource{}
	}
	return protocol.ListResourcesResult{Resources: resources, NextCursor: next}, nil
}

func (h *serverHandler) resourceTemplatesList(rc *session.RequestContext) (any, error) {
	var params protocol.PaginatedParams
	if err := decodeParams(rc.Request.Params, &params); err != nil {
		return nil, invalidParams("invalid resource templates list request: %v", err)
	}
	templates, next, err := h.server.registry.ListResourceTemplates(params.Cursor, h.server.pageSize)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	if templates == nil {
		templates = []protocol.ResourceTemplate{}
	}
	return protocol.ListResourceTemplatesResult{ResourceTemplates: templates, NextCursor: next}, nil
}

func (h *serverHandler) resourcesRead(ctx context.Context, rc *session.RequestContext) (any, error) {
	var params protocol.ReadResourceParams
	if err := decodeParams(rc.Request.Params, &params); err != nil {
		return nil, invalidParams("invalid resources read request: %v", err)
	}
	handler, vars, ok := h.server.registry.ResolveResource(params.URI)
	if !ok {
		return nil, invalidParams("resource %q does not exist", params.URI)
	}
	contents, err := handler(ctx, rc, params.URI, vars)
	if err != nil {
		return nil, err
	}
	if contents == nil {
		contents = []protocol.ResourceContents{}
	}
	return protocol.ReadResourceResult{Contents: contents}, nil
}

func (h *serverHandler) subscribe(rc *session.RequestContext) (any, error) {
	var params protocol.SubscribeParams
	if err := decodeParams(rc.Request.Params, &params); err != nil {
		return nil, invalidParams("invalid subscribe request: %v", err)
	}
	if params.URI == "" {
		return nil, invalidParams("subscribe requires a uri")
	}
	rc.Session.Subscribe(params.URI)
	return protocol.EmptyResult{}, nil
}

func (h *serverHandler) unsubscribe(rc *session.RequestContext) (any, error) {
	var params protocol.SubscribeParams
	if err := decodeParams(rc.Request.Params, &params); err != nil {
		return nil, invalidParams("invalid unsubscribe request: %v", err)
	}
	rc.Session.Unsubscribe(params.URI)
	return protocol.EmptyResult{}, nil
}

func (h *serverHandler) promptsList(rc *session.RequestContext) (any, error) {
	var params protocol.PaginatedParams
	if err := decodeParams(rc.Request.Params, &params); err != nil {
		return nil, invalidParams("invalid prompts list request: %v", err)
	}
	prompts, next, err := h.server.registry.ListPrompts(params.Cursor, h.server.pageSize)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	if prompts == nil {
		prompts = []protocol.Prompt{}
	}
	return protocol.ListPromptsResult{Prompts: prompts, NextCursor: next}, nil
}

func (h *serverHandler) promptsGet(ctx context.Context, rc *session.RequestContext) (any, error) {
	var params protocol.GetPromptParams
	if err := decodeParams(rc.Request.Params, &params); err != nil {
		return nil, invalidParams("invalid prompts get request: %v", err)
	}
	prompt, ok := h.server.registry.GetPrompt(params.Name)
	if !ok {
		return nil, invalidParams("prompt with name %q does not exist", params.Name)
	}
	for _, arg := range prompt.Manifest.Arguments {
		if _, ok := params.Arguments[arg.Name]; arg.Required && !ok {
			return nil, invalidParams("prompt argument %q is required", arg.Name)
		}
	}
	return prompt.Handler(ctx, rc, params.Arguments)
}

func (h *serverHandler) setLevel(rc *session.RequestContext) (any, error) {
	var params protocol.SetLevelParams
	if err := decodeParams(rc.Request.Params, &params); err != nil {
		return nil, invalidParams("invalid setLevel request: %v", err)
	}
	if !params.Level.Valid() {
		return nil, invalidParams("unknown logging level %q", params.Level)
	}
	rc.Session.SetLogLevel(params.Level)
	return protocol.EmptyResult{}, nil
}

func (h *serverHandler) complete(ctx context.Context, rc *session.RequestContext) (any, error) {
	var params protocol.CompleteParams
	if err := decodeParams(rc.Request.Params, &params); err != nil {
		return nil, invalidParams("invalid completion request: %v", err)
	}
	handler := h.server.registry.Completion()
	if handler == nil {
		// Completion is advertised with a default empty completer.
		return protocol.CompleteResult{}, nil
	}
	return handler(ctx, rc, &params)
}

func (h *serverHandler) tasksList(rc *session.RequestContext) (any, error) {
	snaps := h.server.tasks.List(rc.SessionID())
	if snaps == nil {
		snaps = []protocol.TaskSnapshot{}
	}
	return protocol.ListTasksResult{Tasks: snaps}, nil
}

func (h *serverHandler) tasksGet(rc *session.RequestContext) (any, error) {
	var params protocol.GetTaskParams
	if err := decodeParams(rc.Request.Params, &params); err != nil {
		return nil, invalidParams("invalid tasks get request: %v", err)
	}
	snap, err := h.server.tasks.Get(params.TaskID)
	if err == tasks.ErrNotFound {
		return nil, invalidParams("task %q does not exist", params.TaskID)
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (h *serverHandler) tasksCancel(rc *session.RequestContext) (any, error) {
	var params protocol.GetTaskParams
	if err := decodeParams(rc.Request.Params, &params); err != nil {
		return nil, invalidParams("invalid tasks cancel request: %v", err)
	}
	h.server.tasks.Cancel(params.TaskID)
	return protocol.EmptyResult{}, nil
}
