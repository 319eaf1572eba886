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
	"context"
	"os"
	"path/filepath"
	"testing"

	yaml "github.com/goccy/go-yaml"

	"github.com/altimeterlabs/mcpd/internal/protocol"
	"github.com/altimeterlabs/mcpd/internal/registry"
)

func TestBuildRegistryFromYAML(t *testing.T) {
	dir := t.TempDir()
	notesPath := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notesPath, []byte("file body"), 0o644); err != nil {
		t.Fatal(err)
	}

	raw := `
resources:
  inline:
    uri: "test://inline"
    mimeType: "text/plain"
    text: "inline body"
  notes:
    uri: "test://notes"
    mimeType: "text/plain"
    file: "` + notesPath + `"
resourceTemplates:
  files:
    uriTemplate: "file:///{path}"
    pathTemplate: "` + dir + `/{path}"
prompts:
  greet:
    description: "say hello"
    arguments:
      - name: who
        required: true
    messages:
      - role: user
        text: "hello {who}"
`
	ctx := context.Background()
	var file RegistryFile
	if err := yaml.UnmarshalContext(ctx, []byte(raw), &file); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	reg, watched, err := BuildRegistry(ctx, file)
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}

	if watched[notesPath] != "test://notes" {
		t.Errorf("watched = %v", watched)
	}

	// inline resource
	h, _, ok := reg.ResolveResource("test://inline")
	if !ok {
		t.Fatal("inline resource missing")
	}
	contents, err := h(ctx, nil, "test://inline", nil)
	if err != nil || contents[0].Text != "inline body" {
		t.Errorf("inline = (%v, %v)", contents, err)
	}

	// file-backed resource
	h, _, ok = reg.ResolveResource("test://notes")
	if !ok {
		t.Fatal("file resource missing")
	}
	contents, err = h(ctx, nil, "test://notes", nil)
	if err != nil || contents[0].Text != "file body" {
		t.Errorf("file = (%v, %v)", contents, err)
	}

	// template expansion reads through to the path
	h, vars, ok := reg.ResolveResource("file:///notes.txt")
	if !ok {
		t.Fatal("template did not match")
	}
	contents, err = h(ctx, nil, "file:///notes.txt", vars)
	if err != nil || contents[0].Text != "file body" {
		t.Errorf("template read = (%v, %v)", contents, err)
	}

	// path traversal is rejected
	if _, err := h(ctx, nil, "file:///..", map[string]string{"path": ".."}); err == nil {
		t.Error("traversal must be rejected")
	}

	// prompt expansion
	p, ok := reg.GetPrompt("greet")
	if !ok {
		t.Fatal("prompt missing")
	}
	result, err := p.Handler(ctx, nil, map[string]string{"who": "world"})
	if err != nil {
		t.Fatal(err)
	}
	text := result.Messages[0].Content.(*protocol.TextContent)
	if text.Text != "hello world" {
		t.Errorf("prompt text = %q", text.Text)
	}
	if result.Messages[0].Role != protocol.RoleUser {
		t.Errorf("role = %s", result.Messages[0].Role)
	}
}

func TestBuildRegistryTemplateTool(t *testing.T) {
	raw := `
tools:
  greet:
    description: "renders a greeting"
    parameters:
      - name: who
        type: string
        description: "who to greet"
      - name: times
        type: integer
        description: "repeat count"
        required: false
    template: "hello {{.who}}"
`
	ctx := context.Background()
	var file RegistryFile
	if err := yaml.UnmarshalContext(ctx, []byte(raw), &file); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	reg, _, err := BuildRegistry(ctx, file)
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}

	tool, ok := reg.GetTool("greet")
	if !ok {
		t.Fatal("tool missing")
	}
	if len(tool.Parameters) != 2 {
		t.Fatalf("parameters = %d, want 2", len(tool.Parameters))
	}

	args, err := registry.ParseParams(tool.Parameters, map[string]any{"who": "world"})
	if err != nil {
		t.Fatalf("ParseParams: %v", err)
	}
	res, err := tool.Handler(ctx, nil, args)
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	text := res.Content[0].(*protocol.TextContent)
	if text.Text != "hello world" {
		t.Errorf("rendered = %q", text.Text)
	}

	// wrong argument type still fails validation
	if _, err := registry.ParseParams(tool.Parameters, map[string]any{"who": 3}); err == nil {
		t.Error("type mismatch accepted")
	}
}

func TestBuildRegistryRejectsAmbiguousResource(t *testing.T) {
	file := RegistryFile{
		Resources: map[string]ResourceConfig{
			"bad": {URI: "test://bad", Text: "x", File: "y"},
		},
	}
	if _, _, err := BuildRegistry(context.Background(), file); err == nil {
		t.Error("resource with both file and text must fail")
	}
	empty := RegistryFile{
		Resources: map[string]ResourceConfig{
			"bad": {URI: "test://bad"},
		},
	}
	if _, _, err := BuildRegistry(context.Background(), empty); err == nil {
		t.Error("resource with neither file nor text must fail")
	}
}

func TestConfigFlagTypes(t *testing.T) {
	var lvl StringLevel
	if lvl.String() != "info" {
		t.Errorf("default level = %q", lvl.String())
	}
	if err := lvl.Set("DEBUG"); err != nil {
		t.Errorf("Set(DEBUG): %v", err)
	}
	if err := lvl.Set("verbose"); err == nil {
		t.Error("invalid level accepted")
	}

	var format logFormat
	if format.String() != "standard" {
		t.Errorf("default format = %q", format.String())
	}
	if err := format.Set("JSON"); err != nil {
		t.Errorf("Set(JSON): %v", err)
	}
	if err := format.Set("xml"); err == nil {
		t.Error("invalid format accepted")
	}
}
