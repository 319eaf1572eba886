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

package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/altimeterlabs/mcpd/internal/jsonrpc"
	"github.com/altimeterlabs/mcpd/internal/protocol"
)

// CallOption customizes one outbound request.
type CallOption func(*callOptions)

type callOptions struct {
	progress func(protocol.ProgressParams)
}

// WithProgress registers a callback for notifications/progress correlated
// with this request. The session injects a progress token into the request
// _meta and routes matching notifications to the callback until the call
// completes.
func WithProgress(fn func(protocol.ProgressParams)) CallOption {
	return func(o *callOptions) { o.progress = fn }
}

// Call sends a request to the peer and decodes the matched response into
// result (which may be nil). Exactly one of three things happens to every
// call: the matched response is delivered, the caller's ctx cancels it (a
// notifications/cancelled is emitted and ErrCancelled returned), or the
// session fails and the call returns the session error. A peer error
// response is returned as *jsonrpc.RPCError.
func (s *Session) Call(ctx context.Context, method string, params, result any, opts ...CallOption) error {
	var co callOptions
	for _, o := range opts {
		o(&co)
	}

	if err := s.gateOutbound(method); err != nil {
		return err
	}

	// Outbound ids are unique for the session's lifetime; recycling is
	// forbidden, so a plain monotonic counter suffices.
	seq := s.seq.Add(1)
	id := jsonrpc.NumberID(seq)

	raw, err := marshalCallParams(params)
	if err != nil {
		return err
	}
	var tokenKey string
	if co.progress != nil {
		token := fmt.Sprintf("%s-%d", s.id, seq)
		raw, err = injectProgressToken(raw, token)
		if err != nil {
			return err
		}
		tokenKey = token
		s.progressMu.Lock()
		s.progress[tokenKey] = co.progress
		s.progressMu.Unlock()
		defer func() {
			s.progressMu.Lock()
			delete(s.progress, tokenKey)
			s.progressMu.Unlock()
		}()
	}

	req := &jsonrpc.Request{Jsonrpc: jsonrpc.JSONRPC_VERSION, ID: id, Method: method, Params: raw}

	// Register before sending, otherwise we race the response.
	ch := make(chan pendingOutcome, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	if err := s.enqueue(ctx, req); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return err
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return out.err
		}
		if result == nil || out.result == nil {
			return nil
		}
		if err := json.Unmarshal(out.result, result); err != nil {
			return fmt.Errorf("unmarshalling result: %w", err)
		}
		return nil
	case <-ctx.Done():
		// Local cancellation: notify the peer, drop the slot, fail the
		// caller. A response arriving later is discarded.
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		if n, nerr := jsonrpc.NewNotification(protocol.NOTIFICATION_CANCELLED, protocol.CancelledParams{RequestID: id, Reason: ctx.Err().Error()}); nerr == nil {
			select {
			case s.outbound <- n:
			case <-s.closed:
			default:
				// Queue saturated during teardown; the peer will still
				// observe the missing response as a drop.
			}
		}
		return fmt.Errorf("%w: %s %s", ErrCancelled, method, id)
	case <-s.closed:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSessionClosed
	}
}

// gateOutbound rejects requests the negotiated state can't carry yet. The
// initialize handshake and ping are always allowed.
func (s *Session) gateOutbound(method string) error {
	if method == protocol.PING || method == protocol.INITIALIZE {
		return nil
	}
	switch s.State() {
	case Operational:
		return nil
	case Closing, Closed, Failed:
		return ErrSessionClosed
	default:
		return fmt.Errorf("session not initialized; cannot send %q", method)
	}
}

// Notify sends a notification. It blocks on queue saturation; only
// progress notifications are allowed to drop.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, n)
}

// TryNotify enqueues a notification without blocking. It reports false
// when the session is closed or its write queue is saturated; the caller
// owns the drop accounting.
func (s *Session) TryNotify(method string, params any) bool {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return false
	}
	select {
	case s.outbound <- n:
		return true
	case <-s.closed:
		return false
	default:
		return false
	}
}

// NotifyProgress emits a notifications/progress. On a saturated outbound
// queue the notification is dropped and counted rather than blocking the
// emitter.
func (s *Session) NotifyProgress(ctx context.Context, params protocol.ProgressParams) {
	n, err := jsonrpc.NewNotification(protocol.NOTIFICATION_PROGRESS, params)
	if err != nil {
		s.opts.Logger.WarnContext(ctx, fmt.Sprintf("unable to marshal progress: %v", err))
		return
	}
	select {
	case s.outbound <- n:
	case <-s.closed:
	default:
		s.droppedProgress.Add(1)
		if s.opts.Instrumentation != nil {
			s.opts.Instrumentation.DroppedNotifications.Add(ctx, 1)
		}
	}
}

// deliverProgress routes an inbound progress notification to the callback
// registered for its token, if any.
func (s *Session) deliverProgress(params protocol.ProgressParams) {
	key := progressTokenKey(params.ProgressToken)
	s.progressMu.Lock()
	fn := s.progress[key]
	s.progressMu.Unlock()
	if fn != nil {
		fn(params)
	}
}

// progressTokenKey canonicalizes a token for map lookup: JSON numbers and
// strings both flatten to their printed form.
func progressTokenKey(token any) string {
	switch t := token.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%d", int64(t))
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

/* Server-initiated helpers */

// CreateMessage asks the peer's model for a completion. Server role only;
// the client answers METHOD_NOT_FOUND when it never advertised sampling.
func (s *Session) CreateMessage(ctx context.Context, params protocol.CreateMessageParams, opts ...CallOption) (*protocol.CreateMessageResult, error) {
	var result protocol.CreateMessageResult
	if err := s.Call(ctx, protocol.SAMPLING_CREATE_MESSAGE, params, &result, opts...); err != nil {
		return nil, err
	}
	return &result, nil
}

// Elicit asks the peer to collect structured input from its user.
func (s *Session) Elicit(ctx context.Context, params protocol.ElicitParams, opts ...CallOption) (*protocol.ElicitResult, error) {
	var result protocol.ElicitResult
	if err := s.Call(ctx, protocol.ELICITATION_CREATE, params, &result, opts...); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListRoots asks the peer for its configured roots.
func (s *Session) ListRoots(ctx context.Context) (*protocol.ListRootsResult, error) {
	var result protocol.ListRootsResult
	if err := s.Call(ctx, protocol.ROOTS_LIST, struct{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

/* Client-side handshake driver */

// Initialize drives the handshake from the client role: it sends
// initialize, records the negotiated version and server capabilities, then
// sends notifications/initialized and moves to Operational.
func (s *Session) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	if s.opts.Role != RoleClient {
		return nil, fmt.Errorf("initialize is driven from the client role")
	}
	if st := s.State(); st != Uninitialized {
		return nil, fmt.Errorf("initialize in state %q", st)
	}
	s.state.Store(int32(Initializing))

	params := protocol.InitializeParams{
		ProtocolVersion: protocol.LATEST_PROTOCOL_VERSION,
		Capabilities:    s.opts.ClientCapabilities,
		ClientInfo:      s.opts.Info,
	}
	var result protocol.InitializeResult
	if err := s.Call(ctx, protocol.INITIALIZE, params, &result); err != nil {
		s.state.Store(int32(Uninitialized))
		return nil, err
	}
	if _, err := protocol.NegotiateVersion(result.ProtocolVersion); err != nil {
		s.state.Store(int32(Uninitialized))
		return nil, fmt.Errorf("server chose %q: %w", result.ProtocolVersion, err)
	}

	s.mu.Lock()
	s.protocolVersion = result.ProtocolVersion
	s.peerInfo = result.ServerInfo
	s.peerServerCaps = result.Capabilities
	s.mu.Unlock()

	if err := s.Notify(ctx, protocol.NOTIFICATION_INITIALIZED, struct{}{}); err != nil {
		return nil, err
	}
	s.state.Store(int32(Operational))
	if s.opts.OnInitialized != nil {
		s.opts.OnInitialized(s)
	}
	return &result, nil
}

func marshalCallParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshalling call params: %w", err)
		}
		return raw, nil
	}
}

// injectProgressToken adds _meta.progressToken to already-marshalled
// params, preserving every other field.
func injectProgressToken(raw json.RawMessage, token string) (json.RawMessage, error) {
	obj := make(map[string]json.RawMessage)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("params must be an object to carry a progress token: %w", err)
		}
	}
	meta := make(map[string]any)
	if m, ok := obj["_meta"]; ok {
		if err := json.Unmarshal(m, &meta); err != nil {
			return nil, err
		}
	}
	meta["progressToken"] = token
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	obj["_meta"] = metaRaw
	return json.Marshal(obj)
}
