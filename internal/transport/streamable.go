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
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/altimeterlabs/mcpd/internal/jsonrpc"
	"github.com/altimeterlabs/mcpd/internal/log"
	"github.com/altimeterlabs/mcpd/internal/telemetry"
)

// StreamableHTTPOptions configures the streamable HTTP transport.
type StreamableHTTPOptions struct {
	// ReplayBufferSize bounds the per-session replay ring, in events.
	// Defaults to DefaultReplayBufferSize.
	ReplayBufferSize int
	// KeepAlive, when positive, emits SSE comments on idle streams at this
	// interval.
	KeepAlive time.Duration
	// IdleTimeout reaps sessions with no HTTP activity. Defaults to 30m.
	IdleTimeout time.Duration
}

func (o *StreamableHTTPOptions) withDefaults() StreamableHTTPOptions {
	out := StreamableHTTPOptions{}
	if o != nil {
		out = *o
	}
	if out.ReplayBufferSize <= 0 {
		out.ReplayBufferSize = DefaultReplayBufferSize
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 30 * time.Minute
	}
	return out
}

// generalStream is the logical stream for server-initiated traffic,
// delivered on the client-held GET.
const generalStream uint64 = 0

// StreamableServerTransport is the server side of one streamable HTTP
// session. HTTP requests attach to it as logical streams: each POST
// carrying requests owns a response stream, and a single hanging GET
// carries everything server-initiated.
type StreamableServerTransport struct {
	id         string
	opts       StreamableHTTPOptions
	incoming   chan jsonrpc.Message
	nextStream atomic.Uint64
	replay     *replayBuffer

	mu     sync.Mutex
	isDone bool
	done   chan struct{}
	// requestStreams maps an unanswered inbound request to the POST stream
	// its response must be delivered on.
	requestStreams map[jsonrpc.ID]uint64
	// streamRequests tracks the unanswered requests per POST stream; the
	// stream ends once the set drains.
	streamRequests map[uint64]map[jsonrpc.ID]struct{}
	// signals holds the wakeup channel of the HTTP request currently
	// consuming each stream. At most one consumer may claim a stream.
	signals map[uint64]chan struct{}

	lastActive atomic.Int64
}

// NewStreamableServerTransport returns a transport for a new session.
func NewStreamableServerTransport(sessionID string, opts *StreamableHTTPOptions) *StreamableServerTransport {
	t := &StreamableServerTransport{
		id:             sessionID,
		opts:           opts.withDefaults(),
		incoming:       make(chan jsonrpc.Message, 16),
		done:           make(chan struct{}),
		requestStreams: make(map[jsonrpc.ID]uint64),
		streamRequests: make(map[uint64]map[jsonrpc.ID]struct{}),
		signals:        make(map[uint64]chan struct{}),
	}
	t.replay = newReplayBuffer(t.opts.ReplayBufferSize)
	t.touch()
	return t
}

// SessionID returns the Mcp-Session-Id of this session.
func (t *StreamableServerTransport) SessionID() string { return t.id }

func (t *StreamableServerTransport) touch() {
	t.lastActive.Store(time.Now().UnixNano())
}

func (t *StreamableServerTransport) idleSince() time.Time {
	return time.Unix(0, t.lastActive.Load())
}

// Read implements Transport.
func (t *StreamableServerTransport) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-t.incoming:
		return msg, nil
	case <-t.done:
		return nil, io.EOF
	}
}

// Write implements Transport. Responses route to the POST stream that
// carried their request; everything else routes to the GET stream. Every
// event passes through the replay ring, which assigns the monotonic event
// id used for resumption.
func (t *StreamableServerTransport) Write(ctx context.Context, msg jsonrpc.Message) error {
	var replyTo jsonrpc.ID
	switch m := msg.(type) {
	case *jsonrpc.Response:
		replyTo = m.ID
	case *jsonrpc.ErrorResponse:
		replyTo = m.ID
	}

	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isDone {
		return ErrClosed
	}

	stream := generalStream
	if replyTo.IsValid() {
		if s, ok := t.requestStreams[replyTo]; ok {
			stream = s
			delete(t.requestStreams, replyTo)
			delete(t.streamRequests[stream], replyTo)
			if len(t.streamRequests[stream]) == 0 {
				delete(t.streamRequests, stream)
			}
		}
	}

	t.replay.append(stream, "message", data)

	if c, ok := t.signals[stream]; ok {
		select {
		case c <- struct{}{}:
		default:
		}
	}
	return nil
}

// Close implements Transport.
func (t *StreamableServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isDone {
		t.isDone = true
		close(t.done)
	}
	return nil
}

func (t *StreamableServerTransport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// claimStream registers the consumer wakeup channel for a stream. It fails
// when another HTTP request already holds the stream.
func (t *StreamableServerTransport) claimStream(id uint64) (chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.signals[id]; ok {
		return nil, false
	}
	c := make(chan struct{}, 1)
	t.signals[id] = c
	return c, true
}

func (t *StreamableServerTransport) releaseStream(id uint64) {
	t.mu.Lock()
	delete(t.signals, id)
	t.mu.Unlock()
}

func (t *StreamableServerTransport) outstanding(stream uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streamRequests[stream])
}

// servePOST ingests a single envelope or a batch and streams back the
// responses for the requests it contained. A body with no requests is
// acknowledged with 202 and produces no response stream.
func (t *StreamableServerTransport) servePOST(w http.ResponseWriter, req *http.Request, sseOK bool) {
	t.touch()
	if len(req.Header.Values("Last-Event-ID")) > 0 {
		http.Error(w, "Last-Event-ID is only valid on GET requests", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil || len(body) == 0 {
		http.Error(w, "POST requires a non-empty body", http.StatusBadRequest)
		return
	}

	msgs, batch, err := jsonrpc.DecodeBatch(body)
	if err != nil {
		id := jsonrpc.RecoverID(body)
		code := jsonrpc.PARSE_ERROR
		var wireErr *jsonrpc.WireError
		if errors.As(err, &wireErr) {
			code = wireErr.Code
		}
		writeJSONStatus(w, http.StatusBadRequest, jsonrpc.NewError(id, code, err.Error(), nil))
		return
	}

	var requests []jsonrpc.ID
	for _, m := range msgs {
		if r, ok := m.(*jsonrpc.Request); ok {
			requests = append(requests, r.ID)
		}
	}

	if len(requests) == 0 {
		// Notifications and responses only: accept and return immediately.
		for _, m := range msgs {
			if !t.publish(req.Context(), m) {
				http.Error(w, "session terminated", http.StatusNotFound)
				return
			}
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	stream := t.nextStream.Add(1)
	signal, _ := t.claimStream(stream)
	defer t.releaseStream(stream)

	t.mu.Lock()
	t.streamRequests[stream] = make(map[jsonrpc.ID]struct{}, len(requests))
	for _, id := range requests {
		t.requestStreams[id] = stream
		t.streamRequests[stream][id] = struct{}{}
	}
	t.mu.Unlock()

	for _, m := range msgs {
		if !t.publish(req.Context(), m) {
			http.Error(w, "session terminated", http.StatusNotFound)
			return
		}
	}

	if sseOK {
		w.Header().Set("Mcp-Session-Id", t.id)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache, no-transform")
		w.Header().Set("Connection", "keep-alive")
		t.streamEvents(w, req, stream, 0, signal)
		return
	}

	// application/json mode: wait for every response, then emit them in one
	// body. Order follows response completion, not request order; matching
	// is by id.
	for t.outstanding(stream) > 0 {
		select {
		case <-signal:
		case <-t.done:
			http.Error(w, "session terminated", http.StatusNotFound)
			return
		case <-req.Context().Done():
			return
		}
	}
	events := t.replay.sinceStream(stream, 0)
	w.Header().Set("Mcp-Session-Id", t.id)
	w.Header().Set("Content-Type", "application/json")
	if !batch && len(events) == 1 {
		_, _ = w.Write(events[0].data)
		return
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, e := range events {
		if i > 0 {
			b.WriteByte(',')
		}
		b.Write(e.data)
	}
	b.WriteByte(']')
	_, _ = io.WriteString(w, b.String())
}

func (t *StreamableServerTransport) publish(ctx context.Context, msg jsonrpc.Message) bool {
	select {
	case t.incoming <- msg:
		return true
	case <-t.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// serveGET attaches the client's async event stream. With Last-Event-ID it
// first replays every retained event after the given id, in order, then
// continues live.
func (t *StreamableServerTransport) serveGET(w http.ResponseWriter, req *http.Request) {
	t.touch()
	var lastSeen uint64
	resuming := false
	if vals := req.Header.Values("Last-Event-ID"); len(vals) > 0 {
		id, err := strconv.ParseUint(vals[0], 10, 64)
		if err != nil {
			http.Error(w, fmt.Sprintf("malformed Last-Event-ID %q", vals[0]), http.StatusBadRequest)
			return
		}
		lastSeen = id
		resuming = true
	}

	signal, ok := t.claimStream(generalStream)
	if !ok {
		http.Error(w, "event stream already attached", http.StatusBadRequest)
		return
	}
	defer t.releaseStream(generalStream)

	if resuming {
		if _, err := t.replay.since(lastSeen); err != nil {
			// The requested range fell off the ring: the session can no
			// longer honor its delivery guarantee. Terminate it so the
			// client reinitializes.
			t.Close()
			http.Error(w, "session replay range lost", http.StatusNotFound)
			return
		}
	}

	w.Header().Set("Mcp-Session-Id", t.id)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	t.streamGeneral(w, req, lastSeen, resuming, signal)
}

// streamGeneral writes the GET stream: replayed events first (all logical
// streams, at-least-once), then live server-initiated events.
func (t *StreamableServerTransport) streamGeneral(w http.ResponseWriter, req *http.Request, lastSeen uint64, resuming bool, signal chan struct{}) {
	var keepalive <-chan time.Time
	if t.opts.KeepAlive > 0 {
		ticker := time.NewTicker(t.opts.KeepAlive)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		var pending []event
		if resuming {
			evts, err := t.replay.since(lastSeen)
			if err != nil {
				return
			}
			pending = evts
			resuming = false
		} else {
			pending = t.replay.sinceStream(generalStream, lastSeen)
		}
		for _, evt := range pending {
			if _, err := writeEvent(w, evt); err != nil {
				return
			}
			if evt.id > lastSeen {
				lastSeen = evt.id
			}
		}

		select {
		case <-signal:
		case <-keepalive:
			if err := writeKeepAlive(w); err != nil {
				return
			}
		case <-t.done:
			return
		case <-req.Context().Done():
			return
		}
	}
}

// streamEvents writes a POST response stream until its requests drain.
func (t *StreamableServerTransport) streamEvents(w http.ResponseWriter, req *http.Request, stream, lastSeen uint64, signal chan struct{}) {
	writes := 0
	for {
		for _, evt := range t.replay.sinceStream(stream, lastSeen) {
			if _, err := writeEvent(w, evt); err != nil {
				return
			}
			lastSeen = evt.id
			writes++
		}
		if t.outstanding(stream) == 0 && len(t.replay.sinceStream(stream, lastSeen)) == 0 {
			return
		}
		select {
		case <-signal:
		case <-t.done:
			if writes == 0 {
				http.Error(w, "session terminated", http.StatusGone)
			}
			return
		case <-req.Context().Done():
			return
		}
	}
}

// Evictions reports how many events this session's replay ring has dropped.
func (t *StreamableServerTransport) Evictions() int64 { return t.replay.evictions() }

// ConnectFunc wires a freshly created session transport to an engine; it is
// invoked once per new Mcp-Session-Id before the first message is read.
type ConnectFunc func(ctx context.Context, t *StreamableServerTransport) error

// StreamableHTTPHandler serves streamable MCP sessions on one endpoint
// path, accepting POST (client requests), GET (async event stream) and
// DELETE (explicit session termination).
type StreamableHTTPHandler struct {
	opts    StreamableHTTPOptions
	connect ConnectFunc
	logger  log.Logger
	inst    *telemetry.Instrumentation

	mu       sync.Mutex
	sessions map[string]*StreamableServerTransport
}

// NewStreamableHTTPHandler returns a handler and starts its idle-session
// reaper, which runs until ctx is cancelled.
func NewStreamableHTTPHandler(ctx context.Context, connect ConnectFunc, logger log.Logger, inst *telemetry.Instrumentation, opts *StreamableHTTPOptions) *StreamableHTTPHandler {
	h := &StreamableHTTPHandler{
		opts:     opts.withDefaults(),
		connect:  connect,
		logger:   logger,
		inst:     inst,
		sessions: make(map[string]*StreamableServerTransport),
	}
	go h.cleanupRoutine(ctx)
	return h
}

func (h *StreamableHTTPHandler) cleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(h.opts.IdleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.CloseAll()
			return
		case <-ticker.C:
			now := time.Now()
			h.mu.Lock()
			for id, sess := range h.sessions {
				if sess.closed() || now.Sub(sess.idleSince()) > h.opts.IdleTimeout {
					sess.Close()
					delete(h.sessions, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// CloseAll terminates every ongoing session.
func (h *StreamableHTTPHandler) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sess := range h.sessions {
		sess.Close()
		delete(h.sessions, id)
	}
}

func (h *StreamableHTTPHandler) lookup(id string) *StreamableServerTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess := h.sessions[id]
	if sess != nil && sess.closed() {
		delete(h.sessions, id)
		return nil
	}
	return sess
}

func (h *StreamableHTTPHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	jsonOK, sseOK := acceptable(req)
	switch req.Method {
	case http.MethodGet:
		if !sseOK {
			http.Error(w, "Accept must include text/event-stream for GET requests", http.StatusNotAcceptable)
			return
		}
	case http.MethodPost:
		if !jsonOK && !sseOK {
			http.Error(w, "Accept must include application/json or text/event-stream", http.StatusNotAcceptable)
			return
		}
	case http.MethodDelete:
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var session *StreamableServerTransport
	if id := req.Header.Get("Mcp-Session-Id"); id != "" {
		if session = h.lookup(id); session == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
	}

	switch req.Method {
	case http.MethodDelete:
		if session == nil {
			http.Error(w, "DELETE requires an Mcp-Session-Id header", http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		delete(h.sessions, session.id)
		h.mu.Unlock()
		session.Close()
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet:
		if session == nil {
			http.Error(w, "GET requires an Mcp-Session-Id header", http.StatusBadRequest)
			return
		}
		if h.inst != nil {
			h.inst.McpGet.Add(ctx, 1)
		}
		session.serveGET(w, req)
		return
	}

	// POST: a request without a session starts a new one.
	if session == nil {
		session = NewStreamableServerTransport(uuid.New().String(), &h.opts)
		if err := h.connect(ctx, session); err != nil {
			h.logger.ErrorContext(ctx, fmt.Sprintf("unable to connect new session: %v", err))
			http.Error(w, "failed connection", http.StatusInternalServerError)
			return
		}
		h.mu.Lock()
		h.sessions[session.id] = session
		h.mu.Unlock()
	}
	if h.inst != nil {
		h.inst.McpPost.Add(ctx, 1)
	}
	session.servePOST(w, req, sseOK)
}

// acceptable parses the Accept headers; multiple values are allowed.
func acceptable(req *http.Request) (jsonOK, sseOK bool) {
	accept := strings.Split(strings.Join(req.Header.Values("Accept"), ","), ",")
	for _, c := range accept {
		mt, _, _ := strings.Cut(strings.TrimSpace(c), ";")
		switch strings.TrimSpace(mt) {
		case "application/json", "application/*":
			jsonOK = true
		case "text/event-stream", "text/*":
			sseOK = true
		case "*/*":
			jsonOK, sseOK = true, true
		}
	}
	return jsonOK, sseOK
}

func writeJSONStatus(w http.ResponseWriter, status int, msg jsonrpc.Message) {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
