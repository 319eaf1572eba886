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

// Package registry is the explicit handler-registration surface: hosts
// register tools, resources, resource templates, prompts and meta handlers
// here, and the server dispatches inbound methods against it. There is no
// reflection; every handler carries its declared schemas and an invoker.
package registry

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/altimeterlabs/mcpd/internal/protocol"
	"github.com/altimeterlabs/mcpd/internal/session"
)

// DefaultPageSize bounds paginated list responses.
const DefaultPageSize = 100

// ToolHandler executes one tool call. args have been validated against the
// tool's declared parameters.
type ToolHandler func(ctx context.Context, rc *session.RequestContext, args map[string]any) (*protocol.CallToolResult, error)

// ResourceHandler reads one resource. For template registrations, vars
// holds the expanded template variables.
type ResourceHandler func(ctx context.Context, rc *session.RequestContext, uri string, vars map[string]string) ([]protocol.ResourceContents, error)

// PromptHandler expands one prompt with the given arguments.
type PromptHandler func(ctx context.Context, rc *session.RequestContext, args map[string]string) (*protocol.GetPromptResult, error)

// CompletionHandler serves completion/complete.
type CompletionHandler func(ctx context.Context, rc *session.RequestContext, params *protocol.CompleteParams) (*protocol.CompleteResult, error)

// Tool couples a manifest with its invoker.
type Tool struct {
	Name        string
	Title       string
	Description string
	Parameters  Parameters
	// OutputSchema is optional; the engine passes it through untouched.
	OutputSchema []byte
	Handler      ToolHandler
}

// Manifest returns the tools/list entry.
func (t *Tool) Manifest() protocol.Tool {
	return protocol.Tool{
		Name:         t.Name,
		Title:        t.Title,
		Description:  t.Description,
		InputSchema:  t.Parameters.SchemaJSON(),
		OutputSchema: t.OutputSchema,
	}
}

// Resource couples a static resource manifest with its reader.
type Resource struct {
	Manifest protocol.Resource
	Handler  ResourceHandler
}

// ResourceTemplate couples a template manifest with its reader.
type ResourceTemplate struct {
	Manifest protocol.ResourceTemplate
	Handler  ResourceHandler
}

// Prompt couples a prompt manifest with its expander.
type Prompt struct {
	Manifest protocol.Prompt
	Handler  PromptHandler
}

// Registry holds the registered capability handlers of one server. All
// methods are safe for concurrent use; Replace swaps the whole surface for
// dynamic reload.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]*Tool
	resources  map[string]*Resource
	templates  []*ResourceTemplate
	prompts    map[string]*Prompt
	completion CompletionHandler
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		tools:     make(map[string]*Tool),
		resources: make(map[string]*Resource),
		prompts:   make(map[string]*Prompt),
	}
}

/* Registration */

// RegisterTool adds a tool. Names are unique.
func (r *Registry) RegisterTool(t *Tool) error {
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("tool requires a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// RegisterResource adds a static resource keyed by its URI.
func (r *Registry) RegisterResource(manifest protocol.Resource, handler ResourceHandler) error {
	if manifest.URI == "" || handler == nil {
		return fmt.Errorf("resource requires a uri and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resources[manifest.URI]; exists {
		return fmt.Errorf("resource %q already registered", manifest.URI)
	}
	r.resources[manifest.URI] = &Resource{Manifest: manifest, Handler: handler}
	return nil
}

// RegisterResourceTemplate adds a parameterized resource family.
func (r *Registry) RegisterResourceTemplate(manifest protocol.ResourceTemplate, handler ResourceHandler) error {
	if manifest.URITemplate == "" || handler == nil {
		return fmt.Errorf("resource template requires a uriTemplate and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates = append(r.templates, &ResourceTemplate{Manifest: manifest, Handler: handler})
	return nil
}

// RegisterPrompt adds a prompt template.
func (r *Registry) RegisterPrompt(manifest protocol.Prompt, handler PromptHandler) error {
	if manifest.Name == "" || handler == nil {
		return fmt.Errorf("prompt requires a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.prompts[manifest.Name]; exists {
		return fmt.Errorf("prompt %q already registered", manifest.Name)
	}
	r.prompts[manifest.Name] = &Prompt{Manifest: manifest, Handler: handler}
	return nil
}

// RegisterCompletion installs the completion/complete handler.
func (r *Registry) RegisterCompletion(handler CompletionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completion = handler
}

/* Lookup */

// GetTool returns a registered tool.
func (r *Registry) GetTool(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// GetPrompt returns a registered prompt.
func (r *Registry) GetPrompt(name string) (*Prompt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prompts[name]
	return p, ok
}

// Completion returns the installed completion handler, if any.
func (r *Registry) Completion() CompletionHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.completion
}

// ResolveResource finds the reader for a concrete URI: an exact static
// match wins; otherwise the first matching template applies and its
// variables are expanded.
func (r *Registry) ResolveResource(uri string) (ResourceHandler, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if res, ok := r.resources[uri]; ok {
		return res.Handler, nil, true
	}
	for _, t := range r.templates {
		if vars, ok := matchURITemplate(t.Manifest.URITemplate, uri); ok {
			return t.Handler, vars, true
		}
	}
	return nil, nil, false
}

// HasResource reports whether a concrete URI is served by this registry.
func (r *Registry) HasResource(uri string) bool {
	_, _, ok := r.ResolveResource(uri)
	return ok
}

/* Listing with pagination */

// ListTools returns one page of tool manifests in name order.
func (r *Registry) ListTools(cursor protocol.Cursor, pageSize int) ([]protocol.Tool, protocol.Cursor, error) {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	page, next, err := paginate(names, cursor, pageSize)
	if err != nil {
		return nil, "", err
	}
	out := make([]protocol.Tool, 0, len(page))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range page {
		if t, ok := r.tools[name]; ok {
			out = append(out, t.Manifest())
		}
	}
	return out, next, nil
}

// ListResources returns one page of static resource manifests.
func (r *Registry) ListResources(cursor protocol.Cursor, pageSize int) ([]protocol.Resource, protocol.Cursor, error) {
	r.mu.RLock()
	uris := make([]string, 0, len(r.resources))
	for uri := range r.resources {
		uris = append(uris, uri)
	}
	r.mu.RUnlock()
	sort.Strings(uris)

	page, next, err := paginate(uris, cursor, pageSize)
	if err != nil {
		return nil, "", err
	}
	out := make([]protocol.Resource, 0, len(page))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, uri := range page {
		if res, ok := r.resources[uri]; ok {
			out = append(out, res.Manifest)
		}
	}
	return out, next, nil
}

// ListResourceTemplates returns one page of template manifests.
func (r *Registry) ListResourceTemplates(cursor protocol.Cursor, pageSize int) ([]protocol.ResourceTemplate, protocol.Cursor, error) {
	r.mu.RLock()
	keys := make([]string, 0, len(r.templates))
	byKey := make(map[string]protocol.ResourceTemplate, len(r.templates))
	for _, t := range r.templates {
		keys = append(keys, t.Manifest.URITemplate)
		byKey[t.Manifest.URITemplate] = t.Manifest
	}
	r.mu.RUnlock()
	sort.Strings(keys)

	page, next, err := paginate(keys, cursor, pageSize)
	if err != nil {
		return nil, "", err
	}
	out := make([]protocol.ResourceTemplate, 0, len(page))
	for _, k := range page {
		out = append(out, byKey[k])
	}
	return out, next, nil
}

// ListPrompts returns one page of prompt manifests in name order.
func (r *Registry) ListPrompts(cursor protocol.Cursor, pageSize int) ([]protocol.Prompt, protocol.Cursor, error) {
	r.mu.RLock()
	names := make([]string, 0, len(r.prompts))
	for name := range r.prompts {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	page, next, err := paginate(names, cursor, pageSize)
	if err != nil {
		return nil, "", err
	}
	out := make([]protocol.Prompt, 0, len(page))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range page {
		if p, ok := r.prompts[name]; ok {
			out = append(out, p.Manifest)
		}
	}
	return out, next, nil
}

/* Dynamic reload */

// Replace swaps the whole surface with next and reports which lists changed
// membership, so callers can emit the matching list_changed notifications.
// Tools and prompts compare by name, resources by URI plus the number of
// templates; an entry whose manifest changes under the same key is not
// reported.
func (r *Registry) Replace(next *Registry) (toolsChanged, resourcesChanged, promptsChanged bool) {
	next.mu.RLock()
	nTools, nResources, nTemplates, nPrompts, nCompletion := next.tools, next.resources, next.templates, next.prompts, next.completion
	next.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	toolsChanged = !sameKeys(keysOfTools(r.tools), keysOfTools(nTools))
	resourcesChanged = !sameKeys(keysOfResources(r.resources), keysOfResources(nResources)) || len(r.templates) != len(nTemplates)
	promptsChanged = !sameKeys(keysOfPrompts(r.prompts), keysOfPrompts(nPrompts))
	r.tools, r.resources, r.templates, r.prompts = nTools, nResources, nTemplates, nPrompts
	if nCompletion != nil {
		r.completion = nCompletion
	}
	return toolsChanged, resourcesChanged, promptsChanged
}

func keysOfTools(m map[string]*Tool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func keysOfResources(m map[string]*Resource) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func keysOfPrompts(m map[string]*Prompt) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

/* Cursors */

// paginate slices a sorted key list by an opaque cursor.
func paginate(keys []string, cursor protocol.Cursor, pageSize int) ([]string, protocol.Cursor, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	start := 0
	if cursor != "" {
		decoded, err := base64.StdEncoding.DecodeString(string(cursor))
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		idx, err := strconv.Atoi(string(decoded))
		if err != nil || idx < 0 {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
		start = idx
	}
	if start >= len(keys) {
		return nil, "", nil
	}
	end := start + pageSize
	var next protocol.Cursor
	if end >= len(keys) {
		end = len(keys)
	} else {
		next = protocol.Cursor(base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(end))))
	}
	return keys[start:end], next, nil
}

/* URI templates */

// matchURITemplate matches a concrete URI against an RFC 6570 level-1
// template ("scheme://a/{b}/c"). A variable followed by a literal matches up
// to the next occurrence of that literal's first byte and must not contain
// '/'; a trailing variable consumes the rest of the URI, slashes included. A
// template without variables matches only itself.
func matchURITemplate(template, uri string) (map[string]string, bool) {
	vars := make(map[string]string)
	t, u := template, uri
	for {
		open := strings.IndexByte(t, '{')
		if open < 0 {
			if t == u {
				return vars, true
			}
			return nil, false
		}
		literal := t[:open]
		if !strings.HasPrefix(u, literal) {
			return nil, false
		}
		u = u[len(literal):]
		t = t[open:]
		closing := strings.IndexByte(t, '}')
		if closing < 0 {
			return nil, false
		}
		name := t[1:closing]
		t = t[closing+1:]

		// The variable value runs until the next literal separator. A
		// trailing variable consumes the rest of the URI, slashes included.
		var value string
		if t == "" {
			value, u = u, ""
		} else {
			sep := t[0]
			idx := strings.IndexByte(u, sep)
			if idx < 0 {
				return nil, false
			}
			value, u = u[:idx], u[idx:]
			if strings.ContainsRune(value, '/') {
				return nil, false
			}
		}
		if value == "" {
			return nil, false
		}
		vars[name] = value
	}
}
