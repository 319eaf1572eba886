// Copyright 2025 Altimeter Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
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
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/altimeterlabs/mcpd/internal/protocol"
	"github.com/altimeterlabs/mcpd/internal/registry"
	"github.com/altimeterlabs/mcpd/internal/session"
)

type ServerConfig struct {
	// Server version
	Version string
	// Address is the address of the interface the server will listen on.
	Address string
	// Port is the port the server will listen on.
	Port int
	// Instructions is the usage hint returned on initialize.
	Instructions string
	// LoggingFormat defines whether structured loggings are used.
	LoggingFormat logFormat
	// LogLevel defines the levels to log.
	LogLevel StringLevel
	// TelemetryOTLP defines OTLP collector url for telemetry exports.
	TelemetryOTLP string
	// TelemetryServiceName defines the value of service.name resource attribute.
	TelemetryServiceName string
	// Stdio indicates the engine serves MCP over stdio instead of HTTP.
	Stdio bool
	// DisableReload disables dynamic reloading of the config file.
	DisableReload bool
	// DebugErrors attaches internal error details to wire errors.
	DebugErrors bool
	// ReplayBufferSize bounds each session's replay ring, in events.
	ReplayBufferSize int
	// TaskSweepInterval is the task store's sweep cadence.
	TaskSweepInterval time.Duration
	// PageSize bounds paginated list responses.
	PageSize int
}

type logFormat string

// String is used by both fmt.Print and by Cobra in help text
func (f *logFormat) String() string {
	if string(*f) != "" {
		return strings.ToLower(string(*f))
	}
	return "standard"
}

// validate logging format flag
func (f *logFormat) Set(v string) error {
	switch strings.ToLower(v) {
	case "standard", "json":
		*f = logFormat(v)
		return nil
	default:
		return fmt.Errorf(`log format must be one of "standard", or "json"`)
	}
}

// Type is used in Cobra help text
func (f *logFormat) Type() string {
	return "logFormat"
}

type StringLevel string

// String is used by both fmt.Print and by Cobra in help text
func (s *StringLevel) String() string {
	if string(*s) != "" {
		return strings.ToLower(string(*s))
	}
	return "info"
}

// validate log level flag
func (s *StringLevel) Set(v string) error {
	switch strings.ToLower(v) {
	case "debug", "info", "warn", "error":
		*s = StringLevel(v)
		return nil
	default:
		return fmt.Errorf(`log level must be one of "debug", "info", "warn", or "error"`)
	}
}

// Type is used in Cobra help text
func (s *StringLevel) Type() string {
	return "stringLevel"
}

/* Declarative registry config */

// ResourceConfig declares one static resource. Content comes from an
// inline text block or a backing file; file-backed resources are watched
// and mutations surface as notifications/resources/updated.
type ResourceConfig struct {
	URI         string `yaml:"uri" validate:"required"`
	Description string `yaml:"description"`
	MimeType    string `yaml:"mimeType"`
	File        string `yaml:"file"`
	Text        string `yaml:"text"`
}

// TemplateConfig declares a file-backed resource family: template
// variables expand into the path.
type TemplateConfig struct {
	URITemplate  string `yaml:"uriTemplate" validate:"required"`
	Description  string `yaml:"description"`
	MimeType     string `yaml:"mimeType"`
	PathTemplate string `yaml:"pathTemplate" validate:"required"`
}

// PromptMessageConfig is one message of a declared prompt. Text may carry
// {argument} placeholders.
type PromptMessageConfig struct {
	Role string `yaml:"role"`
	Text string `yaml:"text" validate:"required"`
}

// PromptArgumentConfig declares one prompt argument.
type PromptArgumentConfig struct {
	Name        string `yaml:"name" validate:"required"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// PromptConfig declares one prompt template.
type PromptConfig struct {
	Description string                 `yaml:"description"`
	Arguments   []PromptArgumentConfig `yaml:"arguments"`
	Messages    []PromptMessageConfig  `yaml:"messages" validate:"required"`
}

// ToolConfig declares a template tool: validated arguments are rendered
// into a text template and returned as the tool result. Tools with real
// behavior are registered programmatically.
type ToolConfig struct {
	Description string              `yaml:"description"`
	Parameters  registry.Parameters `yaml:"parameters"`
	Template    string              `yaml:"template" validate:"required"`
}

// RegistryFile is the root of the declarative config: named resources,
// resource templates, prompts and template tools the server exposes
// without custom code.
type RegistryFile struct {
	Resources         map[string]ResourceConfig `yaml:"resources"`
	ResourceTemplates map[string]TemplateConfig `yaml:"resourceTemplates"`
	Prompts           map[string]PromptConfig   `yaml:"prompts"`
	Tools             map[string]ToolConfig     `yaml:"tools"`
}

// BuildRegistry materializes a registry from the declarative config. The
// returned paths are the files whose content backs resources; watching
// them drives update notifications.
func BuildRegistry(ctx context.Context, file RegistryFile) (*registry.Registry, map[string]string, error) {
	reg := registry.New()
	watched := make(map[string]string)

	for name, rc := range file.Resources {
		if (rc.File == "") == (rc.Text == "") {
			return nil, nil, fmt.Errorf("resource %q must set exactly one of 'file' or 'text'", name)
		}
		manifest := protocol.Resource{
			URI:         rc.URI,
			Name:        name,
			Description: rc.Description,
			MimeType:    rc.MimeType,
		}
		var handler registry.ResourceHandler
		if rc.Text != "" {
			text, mime := rc.Text, rc.MimeType
			handler = func(ctx context.Context, _ *session.RequestContext, uri string, _ map[string]string) ([]protocol.ResourceContents, error) {
				return []protocol.ResourceContents{{URI: uri, MimeType: mime, Text: text}}, nil
			}
		} else {
			path, mime := rc.File, rc.MimeType
			watched[path] = rc.URI
			handler = func(ctx context.Context, _ *session.RequestContext, uri string, _ map[string]string) ([]protocol.ResourceContents, error) {
				data, err := os.ReadFile(path)
				if err != nil {
					return nil, fmt.Errorf("unable to read resource %q: %w", uri, err)
				}
				return []protocol.ResourceContents{{URI: uri, MimeType: mime, Text: string(data)}}, nil
			}
		}
		if err := reg.RegisterResource(manifest, handler); err != nil {
			return nil, nil, err
		}
	}

	for name, tc := range file.ResourceTemplates {
		manifest := protocol.ResourceTemplate{
			URITemplate: tc.URITemplate,
			Name:        name,
			Description: tc.Description,
			MimeType:    tc.MimeType,
		}
		pathTemplate, mime := tc.PathTemplate, tc.MimeType
		handler := func(ctx context.Context, _ *session.RequestContext, uri string, vars map[string]string) ([]protocol.ResourceContents, error) {
			path := pathTemplate
			for k, v := range vars {
				if strings.Contains(v, "..") {
					return nil, fmt.Errorf("invalid template variable %q", k)
				}
				path = strings.ReplaceAll(path, "{"+k+"}", v)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("unable to read resource %q: %w", uri, err)
			}
			return []protocol.ResourceContents{{URI: uri, MimeType: mime, Text: string(data)}}, nil
		}
		if err := reg.RegisterResourceTemplate(manifest, handler); err != nil {
			return nil, nil, err
		}
	}

	for name, pc := range file.Prompts {
		manifest := protocol.Prompt{Name: name, Description: pc.Description}
		for _, a := range pc.Arguments {
			manifest.Arguments = append(manifest.Arguments, protocol.PromptArgument{
				Name:        a.Name,
				Description: a.Description,
				Required:    a.Required,
			})
		}
		messages := pc.Messages
		description := pc.Description
		handler := func(ctx context.Context, _ *session.RequestContext, args map[string]string) (*protocol.GetPromptResult, error) {
			out := &protocol.GetPromptResult{Description: description}
			for _, m := range messages {
				role := protocol.Role(m.Role)
				if role == "" {
					role = protocol.RoleUser
				}
				text := m.Text
				for k, v := range args {
					text = strings.ReplaceAll(text, "{"+k+"}", v)
				}
				out.Messages = append(out.Messages, protocol.PromptMessage{
					Role:    role,
					Content: protocol.NewTextContent(text),
				})
			}
			return out, nil
		}
		if err := reg.RegisterPrompt(manifest, handler); err != nil {
			return nil, nil, err
		}
	}

	for name, tc := range file.Tools {
		tmpl, err := template.New(name).Parse(tc.Template)
		if err != nil {
			return nil, nil, fmt.Errorf("tool %q template: %w", name, err)
		}
		tool := &registry.Tool{
			Name:        name,
			Description: tc.Description,
			Parameters:  tc.Parameters,
			Handler: func(ctx context.Context, _ *session.RequestContext, args map[string]any) (*protocol.CallToolResult, error) {
				var buf bytes.Buffer
				if err := tmpl.Execute(&buf, args); err != nil {
					return nil, fmt.Errorf("rendering tool template: %w", err)
				}
				return &protocol.CallToolResult{
					Content: protocol.ContentList{protocol.NewTextContent(buf.String())},
				}, nil
			},
		}
		if err := reg.RegisterTool(tool); err != nil {
			return nil, nil, err
		}
	}

	// Completion for declared prompt arguments: no value corpus exists, so
	// the completer answers with an empty set rather than guessing.
	reg.RegisterCompletion(func(ctx context.Context, _ *session.RequestContext, params *protocol.CompleteParams) (*protocol.CompleteResult, error) {
		return &protocol.CompleteResult{}, nil
	})

	return reg, watched, nil
}
