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

// Package server assembles the protocol engine: sessions over both
// transports, the handler registry, subscription fan-out and the task
// store, behind one HTTP surface and a stdio mode.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"

	"github.com/altimeterlabs/mcpd/internal/log"
	"github.com/altimeterlabs/mcpd/internal/protocol"
	"github.com/altimeterlabs/mcpd/internal/registry"
	"github.com/altimeterlabs/mcpd/internal/session"
	"github.com/altimeterlabs/mcpd/internal/tasks"
	"github.com/altimeterlabs/mcpd/internal/telemetry"
	"github.com/altimeterlabs/mcpd/internal/transport"
	"github.com/altimeterlabs/mcpd/internal/util"
)

// SERVER_NAME is the implementation name advertised on initialize.
const SERVER_NAME = "mcpd"

// Server contains info for running an instance of the engine. Should be
// instantiated with NewServer().
type Server struct {
	version      string
	instructions string
	debugErrors  bool
	pageSize     int

	srv        *http.Server
	listener   net.Listener
	root       chi.Router
	mcpHandler *transport.StreamableHTTPHandler

	logger          log.Logger
	instrumentation *telemetry.Instrumentation

	registry *registry.Registry
	subs     *subscriptionManager
	tasks    *tasks.Store
}

// NewServer returns a Server object based on the provided config. The
// context governs background routines (session reaper, task sweeper).
func NewServer(ctx context.Context, cfg ServerConfig, reg *registry.Registry) (*Server, error) {
	instrumentation, err := util.InstrumentationFromContext(ctx)
	if err != nil {
		return nil, err
	}

	ctx, span := instrumentation.Tracer.Start(ctx, "mcpd/server/init")
	defer span.End()

	l, err := util.LoggerFromContext(ctx)
	if err != nil {
		return nil, err
	}

	// set up http serving
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	logLevel, err := log.SeverityToLevel(cfg.LogLevel.String())
	if err != nil {
		return nil, fmt.Errorf("unable to initialize http log: %w", err)
	}
	var httpOpts httplog.Options
	switch cfg.LoggingFormat.String() {
	case "json":
		httpOpts = httplog.Options{
			JSON:             true,
			LogLevel:         logLevel,
			Concise:          true,
			RequestHeaders:   false,
			MessageFieldName: "message",
			SourceFieldName:  "logging.googleapis.com/sourceLocation",
			TimeFieldName:    "timestamp",
			LevelFieldName:   "severity",
		}
	case "standard":
		httpOpts = httplog.Options{
			LogLevel:         logLevel,
			Concise:          true,
			RequestHeaders:   false,
			MessageFieldName: "message",
		}
	default:
		return nil, fmt.Errorf("invalid Logging format: %q", cfg.LoggingFormat.String())
	}
	httpLogger := httplog.NewLogger("httplog", httpOpts)
	r.Use(httplog.RequestLogger(httpLogger))

	if reg == nil {
		reg = registry.New()
	}

	sweep := cfg.TaskSweepInterval
	if sweep <= 0 {
		sweep = tasks.DefaultSweepInterval
	}

	s := &Server{
		version:         cfg.Version,
		instructions:    cfg.Instructions,
		debugErrors:     cfg.DebugErrors,
		pageSize:        cfg.PageSize,
		root:            r,
		logger:          l,
		instrumentation: instrumentation,
		registry:        reg,
		subs:            newSubscriptionManager(l, instrumentation),
	}
	// Status transitions surface to the owning session as task status
	// notifications, so clients need not poll for terminal states.
	s.tasks = tasks.NewStore(
		tasks.WithSweepInterval(sweep),
		tasks.WithStatusHook(func(sessionID string, snap protocol.TaskSnapshot) {
			if sess := s.subs.find(sessionID); sess != nil && sess.State() == session.Operational {
				sess.TryNotify(protocol.NOTIFICATION_TASK_STATUS, snap)
			}
		}),
	)
	go s.tasks.Run(ctx)

	serverCtx := ctx
	s.mcpHandler = transport.NewStreamableHTTPHandler(ctx,
		func(_ context.Context, t *transport.StreamableServerTransport) error {
			// Sessions outlive the originating HTTP request; they end with
			// the server context.
			s.connectSession(serverCtx, t)
			return nil
		},
		l, instrumentation,
		&transport.StreamableHTTPOptions{ReplayBufferSize: cfg.ReplayBufferSize},
	)

	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	s.srv = &http.Server{Addr: addr, Handler: r}

	// control plane
	apiR, err := apiRouter(s)
	if err != nil {
		return nil, err
	}
	r.Mount("/api", apiR)
	mcpR, err := mcpRouter(s)
	if err != nil {
		return nil, err
	}
	r.Mount("/mcp", mcpR)
	// default endpoint for validating server is running
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mcpd up"))
	})

	return s, nil
}

// Registry returns the handler-registration surface.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Tasks returns the long-running task store.
func (s *Server) Tasks() *tasks.Store { return s.tasks }

// NotifyResourceUpdated tells every subscribed session that the content of
// uri changed. Application logic calls this when it mutates a resource.
func (s *Server) NotifyResourceUpdated(ctx context.Context, uri string) {
	s.subs.notifyResourceUpdated(ctx, uri)
}

// NotifyListsChanged emits the matching */list_changed notifications after
// a registry swap.
func (s *Server) NotifyListsChanged(ctx context.Context, toolsChanged, resourcesChanged, promptsChanged bool) {
	if toolsChanged {
		s.subs.notifyListChanged(ctx, protocol.NOTIFICATION_TOOLS_LIST_CHANGED)
	}
	if resourcesChanged {
		s.subs.notifyListChanged(ctx, protocol.NOTIFICATION_RESOURCES_LIST_CHANGED)
	}
	if promptsChanged {
		s.subs.notifyListChanged(ctx, protocol.NOTIFICATION_PROMPTS_LIST_CHANGED)
	}
}

// Listen starts a listener for the given Server instance.
func (s *Server) Listen(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.listener != nil {
		return fmt.Errorf("server is already listening: %s", s.listener.Addr().String())
	}
	lc := net.ListenConfig{KeepAlive: 30 * time.Second}
	var err error
	if s.listener, err = lc.Listen(ctx, "tcp", s.srv.Addr); err != nil {
		return fmt.Errorf("failed to open listener for %q: %w", s.srv.Addr, err)
	}
	s.logger.DebugContext(ctx, fmt.Sprintf("server listening on %s", s.srv.Addr))
	return nil
}

// Serve starts an HTTP server for the given Server instance.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.DebugContext(ctx, "Starting a HTTP server.")
	return s.srv.Serve(s.listener)
}

// Shutdown terminates every streamable MCP session, then shuts the HTTP
// server down with http.Server.Shutdown(), which waits for the remaining
// connections to go idle.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.DebugContext(ctx, "shutting down the server.")
	s.mcpHandler.CloseAll()
	return s.srv.Shutdown(ctx)
}
