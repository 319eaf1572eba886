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
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/altimeterlabs/mcpd/internal/jsonrpc"
	"github.com/altimeterlabs/mcpd/internal/log"
)

// ErrSessionLost reports that the server no longer knows this session; the
// caller must reinitialize.
var ErrSessionLost = errors.New("session expired on server")

// StreamableClientOptions configures the streamable HTTP client transport.
type StreamableClientOptions struct {
	// HTTPClient is used for all requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// MaxRetries bounds the attempts for a POST, the first one included, and
	// the consecutive reconnect retries of the hanging GET after a failed
	// attempt. Defaults to 4.
	MaxRetries int
	// InitialBackoff seeds the exponential backoff. Defaults to 1s.
	InitialBackoff time.Duration
}

// StreamableClient speaks the client side of the streamable HTTP transport:
// envelopes go out as POSTs with the Mcp-Session-Id header, and inbound
// traffic arrives on POST response streams and a hanging GET that resumes
// with Last-Event-ID after a disconnect.
type StreamableClient struct {
	url    string
	client *http.Client
	logger log.Logger
	opts   StreamableClientOptions

	sessionID   atomic.Value // string
	lastEventID atomic.Uint64
	getStarted  atomic.Bool

	incoming chan jsonrpc.Message
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu        sync.Mutex
	err       error
	cancelGet context.CancelFunc
}

// NewStreamableClient returns a client transport for the MCP endpoint at url.
func NewStreamableClient(url string, logger log.Logger, opts *StreamableClientOptions) *StreamableClient {
	c := &StreamableClient{
		url:      url,
		logger:   logger,
		incoming: make(chan jsonrpc.Message, 64),
		done:     make(chan struct{}),
	}
	if opts != nil {
		c.opts = *opts
	}
	c.client = c.opts.HTTPClient
	if c.client == nil {
		c.client = http.DefaultClient
	}
	if c.opts.MaxRetries == 0 {
		c.opts.MaxRetries = 4
	}
	if c.opts.InitialBackoff == 0 {
		c.opts.InitialBackoff = time.Second
	}
	c.sessionID.Store("")
	return c
}

// SessionID returns the server-assigned session id, if one was issued yet.
func (c *StreamableClient) SessionID() string { return c.sessionID.Load().(string) }

// Read implements Transport.
func (c *StreamableClient) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.err != nil {
			return nil, c.err
		}
		return nil, io.EOF
	case msg := <-c.incoming:
		return msg, nil
	}
}

// Write implements Transport by POSTing the envelope, retrying transient
// failures with exponential backoff.
func (c *StreamableClient) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialBackoff
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if err := c.post(ctx, data); err != nil {
			if isRetryable(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(c.opts.MaxRetries)))
	if err != nil {
		return err
	}

	// The hanging GET can only be established once the server has assigned
	// a session id, which happens on the first successful POST.
	if c.SessionID() != "" && c.getStarted.CompareAndSwap(false, true) {
		go c.maintainEventStream()
	}
	return nil
}

// post sends one POST and routes whatever comes back onto incoming.
func (c *StreamableClient) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create POST request: %w", err)
	}
	if id := c.SessionID(); id != "" {
		req.Header.Set("Mcp-Session-Id", id)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST request failed: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		c.fail(ErrSessionLost)
		return backoff.Permanent(ErrSessionLost)
	}
	if resp.StatusCode == http.StatusAccepted {
		resp.Body.Close()
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return &httpStatusError{
			statusCode: resp.StatusCode,
			err:        fmt.Errorf("POST returned %s: %s", resp.Status, strings.TrimSpace(string(body))),
		}
	}

	if id := resp.Header.Get("Mcp-Session-Id"); id != "" {
		c.sessionID.Store(id)
	}

	mediaType, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	switch strings.TrimSpace(mediaType) {
	case "text/event-stream":
		go func() {
			defer resp.Body.Close()
			if err := c.consumeSSE(resp.Body); err != nil {
				c.logger.WarnContext(context.Background(), fmt.Sprintf("response stream ended: %v", err))
			}
		}()
		return nil
	case "application/json":
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading POST response: %w", err)
		}
		return c.deliverBody(body)
	default:
		resp.Body.Close()
		return fmt.Errorf("unexpected response content type %q", mediaType)
	}
}

func (c *StreamableClient) deliverBody(body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	msgs, _, err := jsonrpc.DecodeBatch(body)
	if err != nil {
		return fmt.Errorf("decoding POST response: %w", err)
	}
	for _, m := range msgs {
		if !c.deliver(m) {
			return ErrClosed
		}
	}
	return nil
}

func (c *StreamableClient) deliver(msg jsonrpc.Message) bool {
	select {
	case c.incoming <- msg:
		return true
	case <-c.done:
		return false
	}
}

// consumeSSE pushes decoded events to incoming and records the high-water
// event id used for resumption.
func (c *StreamableClient) consumeSSE(r io.Reader) error {
	return scanEvents(r, func(evt event) error {
		if evt.id > 0 {
			// ids are strictly monotonic per stream; keep the max across
			// streams as the session high-water mark.
			for {
				cur := c.lastEventID.Load()
				if evt.id <= cur || c.lastEventID.CompareAndSwap(cur, evt.id) {
					break
				}
			}
		}
		if len(evt.data) == 0 {
			return nil
		}
		msg, err := jsonrpc.DecodeMessage(evt.data)
		if err != nil {
			c.logger.WarnContext(context.Background(), fmt.Sprintf("dropping undecodable event: %v", err))
			return nil
		}
		if !c.deliver(msg) {
			return io.EOF
		}
		return nil
	})
}

// maintainEventStream keeps the hanging GET alive, resuming from the last
// seen event id with exponential backoff between attempts.
func (c *StreamableClient) maintainEventStream() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialBackoff
	retries := 0

	for {
		select {
		case <-c.done:
			return
		default:
		}

		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancelGet = cancel
		c.mu.Unlock()

		err := c.hangingGET(ctx)

		c.mu.Lock()
		c.cancelGet = nil
		c.mu.Unlock()
		cancel()

		if err == nil {
			// Graceful end of stream: reconnect immediately.
			retries = 0
			bo.Reset()
			continue
		}
		if errors.Is(err, ErrSessionLost) {
			c.fail(err)
			return
		}
		if retries >= c.opts.MaxRetries {
			c.fail(fmt.Errorf("failed to maintain event stream after %d retries: %w", retries, err))
			return
		}
		retries++
		select {
		case <-c.done:
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (c *StreamableClient) hangingGET(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create GET request: %w", err)
	}
	req.Header.Set("Mcp-Session-Id", c.SessionID())
	req.Header.Set("Accept", "text/event-stream")
	if last := c.lastEventID.Load(); last > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(last, 10))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrSessionLost
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return &httpStatusError{
			statusCode: resp.StatusCode,
			err:        fmt.Errorf("GET returned %s: %s", resp.Status, strings.TrimSpace(string(body))),
		}
	}
	return c.consumeSSE(resp.Body)
}

func (c *StreamableClient) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.Close()
}

// Close implements Transport. It stops the event stream and issues a
// best-effort DELETE to terminate the logical session.
func (c *StreamableClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.cancelGet != nil {
			c.cancelGet()
		}
		c.mu.Unlock()

		if id := c.SessionID(); id != "" {
			req, err := http.NewRequest(http.MethodDelete, c.url, nil)
			if err != nil {
				c.closeErr = err
				return
			}
			req.Header.Set("Mcp-Session-Id", id)
			resp, err := c.client.Do(req)
			if err != nil {
				c.closeErr = fmt.Errorf("failed to terminate session: %w", err)
				return
			}
			resp.Body.Close()
		}
	})
	return c.closeErr
}

// httpStatusError wraps an error with the HTTP status that caused it.
type httpStatusError struct {
	statusCode int
	err        error
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP status %d: %v", e.statusCode, e.err)
}

func (e *httpStatusError) Unwrap() error { return e.err }

// isRetryable reports whether an error indicates a transient condition.
func isRetryable(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.statusCode {
		case http.StatusRequestTimeout,
			http.StatusTooEarly,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
