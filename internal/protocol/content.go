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

package protocol

import (
	"encoding/json"
	"fmt"
)

// Role is the sender or recipient of messages and data in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Annotations inform the client how an object is used or displayed.
type Annotations struct {
	// Audience describes who the intended customer of this object is. It
	// can include multiple entries (e.g. ["user", "assistant"]).
	Audience []Role `json:"audience,omitempty"`
	// Priority of 1 means "most important" (effectively required), 0 means
	// "least important" (entirely optional).
	Priority float64 `json:"priority,omitempty"`
}

// Content is a discriminated content block: one of *TextContent,
// *ImageContent, *AudioContent, *ResourceLink or *EmbeddedResource,
// discriminated by its "type" member.
type Content interface {
	contentType() string
}

// TextContent is text provided to or from an LLM.
type TextContent struct {
	Type        string       `json:"type"`
	Text        string       `json:"text"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

// NewTextContent returns a text content block.
func NewTextContent(text string) *TextContent {
	return &TextContent{Type: "text", Text: text}
}

// ImageContent is a base64-encoded image. The engine does not re-encode the
// payload; it trusts the producer's base64.
type ImageContent struct {
	Type        string       `json:"type"`
	Data        string       `json:"data"`
	MimeType    string       `json:"mimeType"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

// NewImageContent returns an image content block with base64 data.
func NewImageContent(data, mimeType string) *ImageContent {
	return &ImageContent{Type: "image", Data: data, MimeType: mimeType}
}

// AudioContent is a base64-encoded audio clip.
type AudioContent struct {
	Type        string       `json:"type"`
	Data        string       `json:"data"`
	MimeType    string       `json:"mimeType"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

// ResourceLink references a server resource by URI without embedding it.
type ResourceLink struct {
	Type        string       `json:"type"`
	URI         string       `json:"uri"`
	Name        string       `json:"name,omitempty"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

// EmbeddedResource embeds the contents of a resource into a message.
type EmbeddedResource struct {
	Type        string           `json:"type"`
	Resource    ResourceContents `json:"resource"`
	Annotations *Annotations     `json:"annotations,omitempty"`
}

func (*TextContent) contentType() string      { return "text" }
func (*ImageContent) contentType() string     { return "image" }
func (*AudioContent) contentType() string     { return "audio" }
func (*ResourceLink) contentType() string     { return "resource_link" }
func (*EmbeddedResource) contentType() string { return "resource" }

// UnmarshalContent decodes a single content block by its discriminator.
func UnmarshalContent(data []byte) (Content, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	var c Content
	switch probe.Type {
	case "text":
		c = new(TextContent)
	case "image":
		c = new(ImageContent)
	case "audio":
		c = new(AudioContent)
	case "resource_link":
		c = new(ResourceLink)
	case "resource":
		c = new(EmbeddedResource)
	default:
		return nil, fmt.Errorf("unknown content type %q", probe.Type)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ContentList is a JSON array of discriminated content blocks.
type ContentList []Content

func (l *ContentList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(ContentList, 0, len(raws))
	for _, raw := range raws {
		c, err := UnmarshalContent(raw)
		if err != nil {
			return err
		}
		out = append(out, c)
	}
	*l = out
	return nil
}

// ResourceContents is the content of a single resource: Text for textual
// resources, Blob (base64) for binary ones. Exactly one of the two is set.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

/* Elicitation schemas */

// PrimitiveSchema is a restricted JSON-Schema subset used by
// elicitation/create to describe the structured input the client should
// collect: one of *StringSchema, *NumberSchema, *BooleanSchema or
// *EnumSchema, discriminated by "type" (and the presence of "enum").
type PrimitiveSchema interface {
	schemaType() string
}

// StringSchema describes a free-form string field.
type StringSchema struct {
	Type        string `json:"type"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	MinLength   *int   `json:"minLength,omitempty"`
	MaxLength   *int   `json:"maxLength,omitempty"`
	Format      string `json:"format,omitempty"`
}

// NumberSchema describes a numeric field ("number" or "integer").
type NumberSchema struct {
	Type        string   `json:"type"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
}

// BooleanSchema describes a boolean field.
type BooleanSchema struct {
	Type        string `json:"type"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Default     *bool  `json:"default,omitempty"`
}

// EnumSchema describes a string field restricted to a closed value set.
type EnumSchema struct {
	Type        string   `json:"type"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum"`
	EnumNames   []string `json:"enumNames,omitempty"`
}

func (*StringSchema) schemaType() string  { return "string" }
func (*NumberSchema) schemaType() string  { return "number" }
func (*BooleanSchema) schemaType() string { return "boolean" }
func (*EnumSchema) schemaType() string    { return "enum" }

// UnmarshalPrimitiveSchema decodes one elicitation field schema.
func UnmarshalPrimitiveSchema(data []byte) (PrimitiveSchema, error) {
	var probe struct {
		Type string          `json:"type"`
		Enum json.RawMessage `json:"enum"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	var s PrimitiveSchema
	switch {
	case probe.Type == "string" && probe.Enum != nil:
		s = new(EnumSchema)
	case probe.Type == "string":
		s = new(StringSchema)
	case probe.Type == "number" || probe.Type == "integer":
		s = new(NumberSchema)
	case probe.Type == "boolean":
		s = new(BooleanSchema)
	default:
		return nil, fmt.Errorf("unknown elicitation schema type %q", probe.Type)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ElicitationSchema is the object schema requested from the user: a flat
// map of named primitive fields.
type ElicitationSchema struct {
	Type       string                     `json:"type"`
	Properties map[string]PrimitiveSchema `json:"properties"`
	Required   []string                   `json:"required,omitempty"`
}

func (s *ElicitationSchema) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	s.Type = probe.Type
	s.Required = probe.Required
	s.Properties = make(map[string]PrimitiveSchema, len(probe.Properties))
	for name, raw := range probe.Properties {
		ps, err := UnmarshalPrimitiveSchema(raw)
		if err != nil {
			return fmt.Errorf("property %q: %w", name, err)
		}
		s.Properties[name] = ps
	}
	return nil
}
