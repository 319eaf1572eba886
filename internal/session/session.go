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

// Package session implements the bidirectional JSON-RPC endpoint at the
// center of the engine: it assigns outbound request ids, matches responses,
// dispatches inbound requests and notifications, and carries the
// capability-negotiation state machine and cancellation plumbing.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/altimeterlabs/mcpd/internal/jsonrpc"
	"github.com/altimeterlabs/mcpd/internal/log"
	"github.com/altimeterlabs/mcpd/internal/protocol"
	"github.com/altimeterlabs/mcpd/internal/telemetry"
	"github.com/altimeterlabs/mcpd/internal/transport"
)

// Handler dispatches inbound traffic that the session does not consume
// itself (initialize, initialized, ping and cancellation are handled
// internally).
type Handler interface {
	// HandleRequest returns the result for an inbound request, or an error.
	// A returned *jsonrpc.RPCError keeps its code on the wire; any other
	// error becomes INTERNAL_ERROR with a sanitized message.
	HandleRequest(ctx context.Context, rc *RequestContext) (any, error)
	// HandleNotification fans out an inbound notification. Notifications
	// have no reply channel; errors are logged and dropped by the caller.
	HandleNotification(ctx context.Context, s *Session, method string, params json.RawMessage) error
}

// Options configure a session endpoint.
type Options struct {
	Role    Role
	Logger  log.Logger
	Handler Handler

	// Instrumentation is optional; counters are skipped when nil.
	Instrumentation *telemetry.Instrumentation

	// Info and capabilities advertised by this endpoint.
	Info               protocol.Implementation
	ServerCapabilities protocol.ServerCapabilities
	ClientCapabilities protocol.ClientCapabilities
	Instructions       string

	// DebugErrors attaches internal error details to INTERNAL_ERROR data.
	DebugErrors bool

	// OutboundQueueSize bounds the write queue. Defaults to 64.
	OutboundQueueSize int

	// OnInitialized runs when the session reaches Operational.
	OnInitialized func(s *Session)
	// OnClose runs exactly once when the session leaves Operational for
	// good, before pending work is failed.
	OnClose func(s *Session)
}

// Session is one endpoint of an MCP connection.
type Session struct {
	opts  Options
	tport transport.Transport
	id    string

	state atomic.Int32

	mu              sync.Mutex
	protocolVersion string
	peerInfo        protocol.Implementation
	peerClientCaps  protocol.ClientCapabilities
	peerServerCaps  protocol.ServerCapabilities

	seq atomic.Int64

	pendingMu sync.Mutex
	pending   map[jsonrpc.ID]chan pendingOutcome

	inflightMu sync.Mutex
	inflight   map[jsonrpc.ID]*inflightRequest

	progressMu sync.Mutex
	progress   map[string]func(protocol.ProgressParams)

	outbound chan jsonrpc.Message

	closeOnce sync.Once
	closed    chan struct{}
	failMu    sync.Mutex
	failErr   error

	logLevel atomic.Value // protocol.LoggingLevel

	subMu sync.Mutex
	subs  map[string]struct{}

	droppedProgress atomic.Int64
}

type pendingOutcome struct {
	result json.RawMessage
	err    error
}

type inflightRequest struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// New wraps a transport in a session endpoint. Run must be called for the
// session to be active.
func New(t transport.Transport, opts Options) *Session {
	if opts.OutboundQueueSize <= 0 {
		opts.OutboundQueueSize = 64
	}
	id := ""
	if si, ok := t.(transport.SessionIdentifier); ok {
		id = si.SessionID()
	}
	if id == "" {
		id = uuid.New().String()
	}
	s := &Session{
		opts:     opts,
		tport:    t,
		id:       id,
		pending:  make(map[jsonrpc.ID]chan pendingOutcome),
		inflight: make(map[jsonrpc.ID]*inflightRequest),
		progress: make(map[string]func(protocol.ProgressParams)),
		outbound: make(chan jsonrpc.Message, opts.OutboundQueueSize),
		closed:   make(chan struct{}),
		subs:     make(map[string]struct{}),
	}
	s.logLevel.Store(protocol.LevelInfo)
	s.state.Store(int32(Uninitialized))
	return s
}

// ID returns the session identifier: the Mcp-Session-Id for HTTP sessions,
// a local opaque id for stdio.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// ProtocolVersion returns the negotiated version, empty before initialize.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// PeerInfo returns the peer's advertised implementation info.
func (s *Session) PeerInfo() protocol.Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerInfo
}

// PeerClientCapabilities returns the client capabilities a server session
// negotiated.
func (s *Session) PeerClientCapabilities() protocol.ClientCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerClientCaps
}

// PeerServerCapabilities returns the server capabilities a client session
// negotiated.
func (s *Session) PeerServerCapabilities() protocol.ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerServerCaps
}

// Run pumps the session until the transport ends or ctx is cancelled. It
// owns the single reader and starts the exclusive writer; it must be called
// exactly once.
func (s *Session) Run(ctx context.Context) error {
	go s.writeLoop(ctx)

	for {
		msg, err := s.tport.Read(ctx)
		if err != nil {
			if err == io.EOF {
				s.shutdown(nil)
				return nil
			}
			if ctx.Err() != nil {
				s.shutdown(nil)
				return ctx.Err()
			}
			s.fail(err)
			return err
		}

		switch m := msg.(type) {
		case *jsonrpc.Response:
			s.completePending(ctx, m.ID, pendingOutcome{result: m.Result})
		case *jsonrpc.ErrorResponse:
			s.completePending(ctx, m.ID, pendingOutcome{err: m.Error})
		case *jsonrpc.Notification:
			s.dispatchNotification(ctx, m)
		case *jsonrpc.Request:
			go s.dispatchRequest(ctx, m)
		}
	}
}

// writeLoop is the session's exclusive writer: one envelope is fully
// written before another begins.
func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.outbound:
			if err := s.tport.Write(ctx, msg); err != nil {
				s.opts.Logger.WarnContext(ctx, fmt.Sprintf("transport write failed: %v", err))
				s.fail(err)
				return
			}
		}
	}
}

// enqueue blocks until the envelope is queued for the writer. Used for
// everything except progress notifications, which may be dropped instead.
func (s *Session) enqueue(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case s.outbound <- msg:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) completePending(ctx context.Context, id jsonrpc.ID, out pendingOutcome) {
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
	if !ok {
		// A response for a request we cancelled, or never sent: discard.
		s.opts.Logger.DebugContext(ctx, fmt.Sprintf("dropping response for unknown request id %s", id))
		return
	}
	ch <- out
}

func (s *Session) dispatchNotification(ctx context.Context, n *jsonrpc.Notification) {
	switch n.Method {
	case protocol.NOTIFICATION_CANCELLED:
		var params protocol.CancelledParams
		if err := json.Unmarshal(n.Params, &params); err != nil {
			s.opts.Logger.WarnContext(ctx, fmt.Sprintf("dropping malformed cancellation: %v", err))
			return
		}
		s.cancelInflight(params.RequestID)
	case protocol.NOTIFICATION_INITIALIZED:
		if s.opts.Role == RoleServer && s.State() == Initializing {
			s.state.Store(int32(Operational))
			if s.opts.OnInitialized != nil {
				s.opts.OnInitialized(s)
			}
		}
	case protocol.NOTIFICATION_PROGRESS:
		var params protocol.ProgressParams
		if err := json.Unmarshal(n.Params, &params); err != nil {
			s.opts.Logger.WarnContext(ctx, fmt.Sprintf("dropping malformed progress: %v", err))
			return
		}
		s.deliverProgress(params)
	default:
		if s.opts.Handler == nil {
			return
		}
		if err := s.opts.Handler.HandleNotification(ctx, s, n.Method, n.Params); err != nil {
			// Notifications have no reply channel; log and drop.
			s.opts.Logger.WarnContext(ctx, fmt.Sprintf("notification %q handler: %v", n.Method, err))
		}
	}
}

// cancelInflight fires the cancellation signal for an inbound request. A
// cancellation for an unknown or completed id is silently ignored.
func (s *Session) cancelInflight(id jsonrpc.ID) {
	s.inflightMu.Lock()
	infl, ok := s.inflight[id]
	s.inflightMu.Unlock()
	if !ok {
		return
	}
	infl.cancelled.Store(true)
	infl.cancel()
}

func (s *Session) dispatchRequest(ctx context.Context, req *jsonrpc.Request) {
	// Ping has no state or capability requirements in either direction.
	if req.Method == protocol.PING {
		s.reply(ctx, req.ID, protocol.EmptyResult{}, nil, nil)
		return
	}

	if req.Method == protocol.INITIALIZE {
		if s.opts.Role != RoleServer {
			s.reply(ctx, req.ID, nil, &jsonrpc.RPCError{Code: jsonrpc.METHOD_NOT_FOUND, Message: "initialize is a client-to-server request"}, nil)
			return
		}
		s.handleInitialize(ctx, req)
		return
	}

	if rpcErr := s.gate(req.Method); rpcErr != nil {
		s.reply(ctx, req.ID, nil, rpcErr, nil)
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	infl := &inflightRequest{cancel: cancel}
	s.inflightMu.Lock()
	s.inflight[req.ID] = infl
	s.inflightMu.Unlock()
	defer func() {
		s.inflightMu.Lock()
		delete(s.inflight, req.ID)
		s.inflightMu.Unlock()
	}()

	rc := &RequestContext{
		Session: s,
		Request: req,
		Meta:    protocol.MetaOf(req.Params),
	}

	result, err := s.invokeHandler(reqCtx, rc)

	var rpcErr *jsonrpc.RPCError
	if err != nil {
		rpcErr = s.toRPCError(err)
	}
	s.reply(ctx, req.ID, result, rpcErr, infl)
}

// invokeHandler runs the registered handler with panic containment.
func (s *Session) invokeHandler(ctx context.Context, rc *RequestContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.opts.Logger.ErrorContext(ctx, fmt.Sprintf("handler panic for %q: %v\n%s", rc.Request.Method, r, debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if s.opts.Handler == nil {
		return nil, &jsonrpc.RPCError{Code: jsonrpc.METHOD_NOT_FOUND, Message: fmt.Sprintf("no handler for %q", rc.Request.Method)}
	}
	return s.opts.Handler.HandleRequest(ctx, rc)
}

// gate validates an inbound request against the lifecycle state and the
// locally advertised capability set.
func (s *Session) gate(method string) *jsonrpc.RPCError {
	switch s.State() {
	case Operational:
	case Closing, Closed, Failed:
		return &jsonrpc.RPCError{Code: jsonrpc.INVALID_REQUEST, Message: "session is shutting down"}
	default:
		return &jsonrpc.RPCError{Code: jsonrpc.SERVER_NOT_INITIALIZED, Message: "session is not initialized"}
	}

	allowed := false
	switch s.opts.Role {
	case RoleServer:
		allowed = protocol.ServerMethodAllowed(s.opts.ServerCapabilities, method)
	case RoleClient:
		allowed = protocol.ClientMethodAllowed(s.opts.ClientCapabilities, method)
	}
	if !allowed {
		return &jsonrpc.RPCError{Code: jsonrpc.METHOD_NOT_FOUND, Message: fmt.Sprintf("method %q not supported", method)}
	}
	return nil
}

func (s *Session) handleInitialize(ctx context.Context, req *jsonrpc.Request) {
	if st := s.State(); st != Uninitialized {
		s.reply(ctx, req.ID, nil, &jsonrpc.RPCError{Code: jsonrpc.INVALID_REQUEST, Message: fmt.Sprintf("initialize received in state %q", st)}, nil)
		return
	}
	var params protocol.InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.reply(ctx, req.ID, nil, &jsonrpc.RPCError{Code: jsonrpc.INVALID_PARAMS, Message: fmt.Sprintf("invalid initialize params: %v", err)}, nil)
		return
	}
	version, err := protocol.NegotiateVersion(params.ProtocolVersion)
	if err != nil {
		// Stay Uninitialized; the client may retry with another version.
		data := map[string]any{"supported": protocol.SupportedProtocolVersions}
		raw, _ := json.Marshal(data)
		s.reply(ctx, req.ID, nil, &jsonrpc.RPCError{Code: jsonrpc.INVALID_PARAMS, Message: err.Error(), Data: raw}, nil)
		return
	}

	s.mu.Lock()
	s.protocolVersion = version
	s.peerInfo = params.ClientInfo
	s.peerClientCaps = params.Capabilities
	s.mu.Unlock()
	s.state.Store(int32(Initializing))

	result := protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.opts.ServerCapabilities,
		ServerInfo:      s.opts.Info,
		Instructions:    s.opts.Instructions,
	}
	s.reply(ctx, req.ID, result, nil, nil)
}

// reply emits the response envelope for an inbound request — unless the
// request was cancelled, in which case the response is suppressed: the
// cancellation check happens immediately before the write.
func (s *Session) reply(ctx context.Context, id jsonrpc.ID, result any, rpcErr *jsonrpc.RPCError, infl *inflightRequest) {
	if infl != nil && infl.cancelled.Load() {
		return
	}
	var msg jsonrpc.Message
	if rpcErr != nil {
		msg = &jsonrpc.ErrorResponse{Jsonrpc: jsonrpc.JSONRPC_VERSION, ID: id, Error: rpcErr}
	} else {
		resp, err := jsonrpc.NewResponse(id, result)
		if err != nil {
			s.opts.Logger.ErrorContext(ctx, fmt.Sprintf("unable to marshal result for %s: %v", id, err))
			msg = jsonrpc.NewError(id, jsonrpc.INTERNAL_ERROR, "unable to marshal result", nil)
		} else {
			msg = resp
		}
	}
	if err := s.enqueue(ctx, msg); err != nil {
		s.opts.Logger.DebugContext(ctx, fmt.Sprintf("unable to send response for %s: %v", id, err))
	}
}

// toRPCError converts a handler error for the wire. Internal errors carry a
// sanitized message; details are attached only in debug mode.
func (s *Session) toRPCError(err error) *jsonrpc.RPCError {
	if rpcErr, ok := err.(*jsonrpc.RPCError); ok {
		return rpcErr
	}
	out := &jsonrpc.RPCError{Code: jsonrpc.INTERNAL_ERROR, Message: "internal error"}
	if s.opts.DebugErrors {
		raw, _ := json.Marshal(map[string]string{"detail": err.Error()})
		out.Data = raw
	}
	return out
}

// shutdown closes the session cleanly: Operational → Closing → Closed.
func (s *Session) shutdown(err error) {
	s.closeWith(Closed, err)
}

// fail transitions to Failed, cancelling all in-flight and pending work.
func (s *Session) fail(err error) {
	s.closeWith(Failed, err)
}

func (s *Session) closeWith(final State, err error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(Closing))
		if err != nil {
			s.failMu.Lock()
			s.failErr = err
			s.failMu.Unlock()
		}
		if s.opts.OnClose != nil {
			s.opts.OnClose(s)
		}

		// Cancel every inbound dispatch.
		s.inflightMu.Lock()
		for _, infl := range s.inflight {
			infl.cancel()
		}
		s.inflight = make(map[jsonrpc.ID]*inflightRequest)
		s.inflightMu.Unlock()

		// Fail every outbound awaiter.
		failErr := err
		if failErr == nil {
			failErr = ErrSessionClosed
		}
		s.pendingMu.Lock()
		for id, ch := range s.pending {
			delete(s.pending, id)
			ch <- pendingOutcome{err: failErr}
		}
		s.pendingMu.Unlock()

		// Release all subscriptions without notification.
		s.subMu.Lock()
		s.subs = make(map[string]struct{})
		s.subMu.Unlock()

		close(s.closed)
		_ = s.tport.Close()
		s.state.Store(int32(final))
	})
}

// Close terminates the session locally.
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

// Err returns the fatal error that failed the session, if any.
func (s *Session) Err() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failErr
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.closed }

/* Logging threshold (C8) */

// SetLogLevel updates the session's minimum wire-log severity.
func (s *Session) SetLogLevel(level protocol.LoggingLevel) {
	s.logLevel.Store(level)
}

// LogLevel returns the session's current wire-log threshold.
func (s *Session) LogLevel() protocol.LoggingLevel {
	return s.logLevel.Load().(protocol.LoggingLevel)
}

// Log emits a notifications/message at the given severity. Emissions below
// the session threshold are dropped at the source.
func (s *Session) Log(ctx context.Context, level protocol.LoggingLevel, logger string, data any) error {
	if level.Severity() < s.LogLevel().Severity() {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("unable to marshal log data: %w", err)
	}
	return s.Notify(ctx, protocol.NOTIFICATION_MESSAGE, protocol.LoggingMessageParams{
		Level:  level,
		Logger: logger,
		Data:   raw,
	})
}

/* Subscriptions (per-session half of C6) */

// Subscribe records a resource subscription for this session.
func (s *Session) Subscribe(uri string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs[uri] = struct{}{}
}

// Unsubscribe removes a resource subscription.
func (s *Session) Unsubscribe(uri string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subs, uri)
}

// IsSubscribed reports whether the session subscribed to uri.
func (s *Session) IsSubscribed(uri string) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	_, ok := s.subs[uri]
	return ok
}

// Subscriptions snapshots the session's subscribed URIs.
func (s *Session) Subscriptions() []string {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	out := make([]string, 0, len(s.subs))
	for uri := range s.subs {
		out = append(out, uri)
	}
	return out
}

// DroppedProgress reports how many progress notifications were dropped on
// queue saturation.
func (s *Session) DroppedProgress() int64 { return s.droppedProgress.Load() }
