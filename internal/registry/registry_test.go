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

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/altimeterlabs/mcpd/internal/protocol"
	"github.com/altimeterlabs/mcpd/internal/session"
)

func noopTool(name string) *Tool {
	return &Tool{
		Name: name,
		Handler: func(ctx context.Context, rc *session.RequestContext, args map[string]any) (*protocol.CallToolResult, error) {
			return &protocol.CallToolResult{}, nil
		},
	}
}

func TestRegisterToolRejectsDuplicates(t *testing.T) {
	r := New()
	if err := r.RegisterTool(noopTool("echo")); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterTool(noopTool("echo")); err == nil {
		t.Error("duplicate registration must fail")
	}
	if err := r.RegisterTool(&Tool{Name: "broken"}); err == nil {
		t.Error("registration without handler must fail")
	}
}

func TestListToolsPagination(t *testing.T) {
	r := New()
	for i := 0; i < 25; i++ {
		if err := r.RegisterTool(noopTool(fmt.Sprintf("tool-%02d", i))); err != nil {
			t.Fatal(err)
		}
	}

	var all []protocol.Tool
	cursor := protocol.Cursor("")
	pages := 0
	for {
		page, next, err := r.ListTools(cursor, 10)
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, page...)
		pages++
		if next == "" {
			break
		}
		cursor = next
	}
	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
	if len(all) != 25 {
		t.Errorf("total = %d, want 25", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Name >= all[i].Name {
			t.Fatalf("listing not sorted at %d: %s >= %s", i, all[i-1].Name, all[i].Name)
		}
	}

	if _, _, err := r.ListTools(protocol.Cursor("!!!not-base64"), 10); err == nil {
		t.Error("invalid cursor must fail")
	}
}

func TestMatchURITemplate(t *testing.T) {
	testCases := []struct {
		template string
		uri      string
		want     map[string]string
		ok       bool
	}{
		{"test://static", "test://static", map[string]string{}, true},
		{"test://static", "test://other", nil, false},
		{"db://{table}/rows", "db://users/rows", map[string]string{"table": "users"}, true},
		{"db://{table}/rows", "db://users/cols", nil, false},
		{"db://{table}/{id}", "db://users/7", map[string]string{"table": "users", "id": "7"}, true},
		{"file:///{path}", "file:///a/b/c.txt", map[string]string{"path": "a/b/c.txt"}, true},
		{"db://{table}/rows", "db:///rows", nil, false}, // empty variable
	}
	for _, tc := range testCases {
		got, ok := matchURITemplate(tc.template, tc.uri)
		if ok != tc.ok {
			t.Errorf("match(%q, %q) ok = %v, want %v", tc.template, tc.uri, ok, tc.ok)
			continue
		}
		if ok {
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("match(%q, %q) vars (-want +got):\n%s", tc.template, tc.uri, diff)
			}
		}
	}
}

func TestResolveResourcePrefersStatic(t *testing.T) {
	r := New()
	static := func(ctx context.Context, rc *session.RequestContext, uri string, vars map[string]string) ([]protocol.ResourceContents, error) {
		return []protocol.ResourceContents{{URI: uri, Text: "static"}}, nil
	}
	templated := func(ctx context.Context, rc *session.RequestContext, uri string, vars map[string]string) ([]protocol.ResourceContents, error) {
		return []protocol.ResourceContents{{URI: uri, Text: "template:" + vars["name"]}}, nil
	}
	if err := r.RegisterResource(protocol.Resource{URI: "test://watched", Name: "w"}, static); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterResourceTemplate(protocol.ResourceTemplate{URITemplate: "test://{name}", Name: "t"}, templated); err != nil {
		t.Fatal(err)
	}

	h, vars, ok := r.ResolveResource("test://watched")
	if !ok || vars != nil {
		t.Fatalf("static resolve = (%v, %v)", vars, ok)
	}
	contents, err := h(context.Background(), nil, "test://watched", vars)
	if err != nil || contents[0].Text != "static" {
		t.Errorf("static handler = (%v, %v)", contents, err)
	}

	h, vars, ok = r.ResolveResource("test://other")
	if !ok || vars["name"] != "other" {
		t.Fatalf("template resolve = (%v, %v)", vars, ok)
	}
	contents, err = h(context.Background(), nil, "test://other", vars)
	if err != nil || contents[0].Text != "template:other" {
		t.Errorf("template handler = (%v, %v)", contents, err)
	}

	if r.HasResource("nope://x") {
		t.Error("unknown uri must not resolve")
	}
}

func TestParseParams(t *testing.T) {
	ps := Parameters{
		NewStringParameter("name", "the name"),
		NewIntParameter("count", "how many"),
		NewStringParameterWithDefault("mode", "fast", "mode"),
	}

	testCases := []struct {
		name    string
		args    map[string]any
		wantErr bool
		check   func(t *testing.T, got map[string]any)
	}{
		{
			name: "all present",
			args: map[string]any{"name": "x", "count": json.Number("3"), "mode": "slow"},
			check: func(t *testing.T, got map[string]any) {
				if got["count"] != 3 {
					t.Errorf("count = %#v", got["count"])
				}
				if got["mode"] != "slow" {
					t.Errorf("mode = %#v", got["mode"])
				}
			},
		},
		{
			name: "default applies",
			args: map[string]any{"name": "x", "count": 1},
			check: func(t *testing.T, got map[string]any) {
				if got["mode"] != "fast" {
					t.Errorf("mode = %#v", got["mode"])
				}
			},
		},
		{name: "missing required", args: map[string]any{"count": 1}, wantErr: true},
		{name: "wrong type", args: map[string]any{"name": 7, "count": 1}, wantErr: true},
		{name: "fractional int", args: map[string]any{"name": "x", "count": 1.5}, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseParams(ps, tc.args)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseParams: %v", err)
			}
			if tc.check != nil {
				tc.check(t, got)
			}
		})
	}
}

func TestToolManifestSchema(t *testing.T) {
	tool := &Tool{
		Name:        "lookup",
		Description: "find a row",
		Parameters: Parameters{
			NewStringParameter("table", "table name"),
			NewArrayParameter("columns", "columns to fetch", NewStringParameter("column", "one column")),
		},
		Handler: noopTool("x").Handler,
	}
	m := tool.Manifest()

	var schema map[string]any
	if err := json.Unmarshal(m.InputSchema, &schema); err != nil {
		t.Fatal(err)
	}
	if schema["type"] != "object" {
		t.Errorf("schema type = %v", schema["type"])
	}
	props := schema["properties"].(map[string]any)
	if props["table"].(map[string]any)["type"] != "string" {
		t.Errorf("table schema = %v", props["table"])
	}
	cols := props["columns"].(map[string]any)
	if cols["type"] != "array" || cols["items"].(map[string]any)["type"] != "string" {
		t.Errorf("columns schema = %v", cols)
	}
	required := schema["required"].([]any)
	if len(required) != 2 {
		t.Errorf("required = %v", required)
	}
}

func TestReplaceDetectsChanges(t *testing.T) {
	r := New()
	if err := r.RegisterTool(noopTool("a")); err != nil {
		t.Fatal(err)
	}

	next := New()
	if err := next.RegisterTool(noopTool("b")); err != nil {
		t.Fatal(err)
	}
	toolsChanged, resourcesChanged, promptsChanged := r.Replace(next)
	if !toolsChanged || resourcesChanged || promptsChanged {
		t.Errorf("changes = (%v, %v, %v), want (true, false, false)", toolsChanged, resourcesChanged, promptsChanged)
	}
	if _, ok := r.GetTool("b"); !ok {
		t.Error("replacement did not take effect")
	}

	same := New()
	if err := same.RegisterTool(noopTool("b")); err != nil {
		t.Fatal(err)
	}
	toolsChanged, _, _ = r.Replace(same)
	if toolsChanged {
		t.Error("identical tool set must not report a change")
	}
}
