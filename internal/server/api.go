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
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/altimeterlabs/mcpd/internal/protocol"
)

// apiRouter creates a router that represents the routes under /api: a
// read-only control plane mirroring the MCP */list manifests.
func apiRouter(s *Server) (chi.Router, error) {
	r := chi.NewRouter()

	r.Use(middleware.AllowContentType("application/json"))
	r.Use(middleware.StripSlashes)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/manifest", func(w http.ResponseWriter, r *http.Request) { manifestHandler(s, w, r) })
	r.Get("/tool/{toolName}", func(w http.ResponseWriter, r *http.Request) { toolGetHandler(s, w, r) })

	return r, nil
}

// serverManifest is the full capability surface of the running server.
type serverManifest struct {
	ServerVersion     string                      `json:"serverVersion"`
	Tools             []protocol.Tool             `json:"tools"`
	Resources         []protocol.Resource         `json:"resources"`
	ResourceTemplates []protocol.ResourceTemplate `json:"resourceTemplates"`
	Prompts           []protocol.Prompt           `json:"prompts"`
}

// manifestHandler reports what is currently registered: the first page
// (registry.DefaultPageSize entries) of each list; later pages are not
// included.
func manifestHandler(s *Server, w http.ResponseWriter, r *http.Request) {
	ctx, span := s.instrumentation.Tracer.Start(r.Context(), "mcpd/server/api/manifest")
	r = r.WithContext(ctx)
	var err error
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	m := serverManifest{ServerVersion: s.version}
	if m.Tools, _, err = s.registry.ListTools("", 0); err != nil {
		_ = render.Render(w, r, newErrResponse(err, http.StatusInternalServerError))
		return
	}
	if m.Resources, _, err = s.registry.ListResources("", 0); err != nil {
		_ = render.Render(w, r, newErrResponse(err, http.StatusInternalServerError))
		return
	}
	if m.ResourceTemplates, _, err = s.registry.ListResourceTemplates("", 0); err != nil {
		_ = render.Render(w, r, newErrResponse(err, http.StatusInternalServerError))
		return
	}
	if m.Prompts, _, err = s.registry.ListPrompts("", 0); err != nil {
		_ = render.Render(w, r, newErrResponse(err, http.StatusInternalServerError))
		return
	}
	render.JSON(w, r, m)
}

// toolGetHandler handles requests for a single tool's manifest.
func toolGetHandler(s *Server, w http.ResponseWriter, r *http.Request) {
	ctx, span := s.instrumentation.Tracer.Start(r.Context(), "mcpd/server/api/tool")
	r = r.WithContext(ctx)

	toolName := chi.URLParam(r, "toolName")
	s.logger.DebugContext(ctx, fmt.Sprintf("tool name: %s", toolName))
	span.SetAttributes(attribute.String("tool_name", toolName))
	var err error
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tool, ok := s.registry.GetTool(toolName)
	if !ok {
		err = fmt.Errorf("invalid tool name: tool with name %q does not exist", toolName)
		s.logger.DebugContext(ctx, err.Error())
		_ = render.Render(w, r, newErrResponse(err, http.StatusNotFound))
		return
	}
	render.JSON(w, r, tool.Manifest())
}

var _ render.Renderer = &errResponse{} // Renderer interface for managing response payloads.

// newErrResponse is a helper function initializing an ErrResponse
func newErrResponse(err error, code int) *errResponse {
	return &errResponse{
		Err:            err,
		HTTPStatusCode: code,

		StatusText: http.StatusText(code),
		ErrorText:  err.Error(),
	}
}

// errResponse is the response sent back when an error has been encountered.
type errResponse struct {
	Err            error `json:"-"` // low-level runtime error
	HTTPStatusCode int   `json:"-"` // http response status code

	StatusText string `json:"status"`          // user-level status message
	ErrorText  string `json:"error,omitempty"` // application-level error message, for debugging
}

func (e *errResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}
