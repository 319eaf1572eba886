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

	"github.com/altimeterlabs/mcpd/internal/util"
)

const (
	typeString = "string"
	typeInt    = "integer"
	typeFloat  = "float"
	typeBool   = "boolean"
	typeArray  = "array"
	typeMap    = "map"
)

// Parameter is one declared input of a tool. Declared parameters produce
// the tool's JSON-Schema manifest and validate call arguments before the
// handler runs.
type Parameter interface {
	GetName() string
	GetType() string
	GetDefault() any
	GetRequired() bool
	Parse(any) (any, error)
	McpManifest() ParameterMcpManifest
}

// ParameterMcpManifest is one property of a tool's input schema.
type ParameterMcpManifest struct {
	Type                 string                `json:"type"`
	Description          string                `json:"description"`
	Items                *ParameterMcpManifest `json:"items,omitempty"`
	AdditionalProperties any                   `json:"additionalProperties,omitempty"`
}

// McpToolsSchema is the JSON-Schema object advertised as a tool's
// inputSchema.
type McpToolsSchema struct {
	Type       string                          `json:"type"`
	Properties map[string]ParameterMcpManifest `json:"properties"`
	Required   []string                        `json:"required"`
}

// Parameters is an ordered list of declared parameters.
type Parameters []Parameter

// UnmarshalYAML parses a declared parameter list from the config file,
// dispatching on each entry's 'type' field.
func (c *Parameters) UnmarshalYAML(ctx context.Context, unmarshal func(any) error) error {
	*c = make(Parameters, 0)
	var rawList []util.DelayedUnmarshaler
	if err := unmarshal(&rawList); err != nil {
		return err
	}
	for _, u := range rawList {
		p, err := parseParamFromDelayedUnmarshaler(ctx, &u)
		if err != nil {
			return err
		}
		*c = append(*c, p)
	}
	return nil
}

func parseParamFromDelayedUnmarshaler(ctx context.Context, u *util.DelayedUnmarshaler) (Parameter, error) {
	var p map[string]any
	if err := u.Unmarshal(&p); err != nil {
		return nil, fmt.Errorf("error parsing parameters: %w", err)
	}

	t, ok := p["type"]
	if !ok {
		return nil, fmt.Errorf("parameter is missing 'type' field")
	}

	dec, err := util.NewStrictDecoder(p)
	if err != nil {
		return nil, fmt.Errorf("error creating decoder: %w", err)
	}
	var out Parameter
	switch t {
	case typeString:
		out = &StringParameter{}
	case typeInt:
		out = &IntParameter{}
	case typeFloat:
		out = &FloatParameter{}
	case typeBool:
		out = &BooleanParameter{}
	case typeArray:
		out = &ArrayParameter{}
	case typeMap:
		out = &MapParameter{}
	default:
		return nil, fmt.Errorf("%q is not valid type for a parameter", t)
	}
	if err := dec.DecodeContext(ctx, out); err != nil {
		return nil, fmt.Errorf("unable to parse as %q: %w", t, err)
	}
	return out, nil
}

// McpManifest builds the input schema advertised for these parameters.
func (ps Parameters) McpManifest() McpToolsSchema {
	properties := make(map[string]ParameterMcpManifest)
	required := make([]string, 0)

	for _, p := range ps {
		name := p.GetName()
		properties[name] = p.McpManifest()
		// parameters without a default are required
		if p.GetRequired() && p.GetDefault() == nil {
			required = append(required, name)
		}
	}

	return McpToolsSchema{Type: "object", Properties: properties, Required: required}
}

// SchemaJSON marshals the manifest for the tools/list payload.
func (ps Parameters) SchemaJSON() json.RawMessage {
	raw, _ := json.Marshal(ps.McpManifest())
	return raw
}

// ParseParams validates an arguments object against the declared
// parameters. Missing required parameters and type mismatches fail; the
// engine maps those failures to INVALID_PARAMS.
func ParseParams(ps Parameters, data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(ps))
	for _, p := range ps {
		name := p.GetName()
		v, ok := data[name]
		if !ok || v == nil {
			v = p.GetDefault()
			if v == nil {
				if p.GetRequired() {
					return nil, fmt.Errorf("parameter %q is required", name)
				}
				continue
			}
		}
		parsed, err := p.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("unable to parse value for %q: %w", name, err)
		}
		out[name] = parsed
	}
	return out, nil
}

// ParseTypeError is a custom error for incorrectly typed parameters.
type ParseTypeError struct {
	Name  string
	Type  string
	Value any
}

func (e ParseTypeError) Error() string {
	return fmt.Sprintf("%q not type %q", e.Value, e.Type)
}

// CommonParameter holds the fields shared by every parameter kind.
type CommonParameter struct {
	Name     string `yaml:"name" validate:"required"`
	Type     string `yaml:"type" validate:"required"`
	Desc     string `yaml:"description"`
	Required *bool  `yaml:"required"`
}

func (p *CommonParameter) GetName() string { return p.Name }
func (p *CommonParameter) GetType() string { return p.Type }

// GetRequired reports whether the parameter must be supplied. Parameters
// default to required.
func (p *CommonParameter) GetRequired() bool {
	if p.Required == nil {
		return true
	}
	return *p.Required
}

func (p *CommonParameter) McpManifest() ParameterMcpManifest {
	return ParameterMcpManifest{Type: p.Type, Description: p.Desc}
}

// StringParameter declares a string input.
type StringParameter struct {
	CommonParameter `yaml:",inline"`
	Default         *string `yaml:"default"`
}

// NewStringParameter declares a required string input.
func NewStringParameter(name, desc string) *StringParameter {
	return &StringParameter{CommonParameter: CommonParameter{Name: name, Type: typeString, Desc: desc}}
}

// NewStringParameterWithDefault declares an optional string input.
func NewStringParameterWithDefault(name, defaultV, desc string) *StringParameter {
	return &StringParameter{CommonParameter: CommonParameter{Name: name, Type: typeString, Desc: desc}, Default: &defaultV}
}

func (p *StringParameter) GetDefault() any {
	if p.Default == nil {
		return nil
	}
	return *p.Default
}

func (p *StringParameter) Parse(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, &ParseTypeError{p.Name, p.Type, v}
	}
	return s, nil
}

// IntParameter declares an integer input.
type IntParameter struct {
	CommonParameter `yaml:",inline"`
	Default         *int `yaml:"default"`
}

// NewIntParameter declares a required integer input.
func NewIntParameter(name, desc string) *IntParameter {
	return &IntParameter{CommonParameter: CommonParameter{Name: name, Type: typeInt, Desc: desc}}
}

func (p *IntParameter) GetDefault() any {
	if p.Default == nil {
		return nil
	}
	return *p.Default
}

func (p *IntParameter) Parse(v any) (any, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return nil, &ParseTypeError{p.Name, p.Type, v}
		}
		return int(i), nil
	case float64:
		if n != float64(int(n)) {
			return nil, &ParseTypeError{p.Name, p.Type, v}
		}
		return int(n), nil
	default:
		return nil, &ParseTypeError{p.Name, p.Type, v}
	}
}

func (p *IntParameter) McpManifest() ParameterMcpManifest {
	return ParameterMcpManifest{Type: "integer", Description: p.Desc}
}

// FloatParameter declares a floating-point input.
type FloatParameter struct {
	CommonParameter `yaml:",inline"`
	Default         *float64 `yaml:"default"`
}

// NewFloatParameter declares a required float input.
func NewFloatParameter(name, desc string) *FloatParameter {
	return &FloatParameter{CommonParameter: CommonParameter{Name: name, Type: typeFloat, Desc: desc}}
}

func (p *FloatParameter) GetDefault() any {
	if p.Default == nil {
		return nil
	}
	return *p.Default
}

func (p *FloatParameter) Parse(v any) (any, error) {
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil, &ParseTypeError{p.Name, p.Type, v}
		}
		return f, nil
	default:
		return nil, &ParseTypeError{p.Name, p.Type, v}
	}
}

func (p *FloatParameter) McpManifest() ParameterMcpManifest {
	return ParameterMcpManifest{Type: "number", Description: p.Desc}
}

// BooleanParameter declares a boolean input.
type BooleanParameter struct {
	CommonParameter `yaml:",inline"`
	Default         *bool `yaml:"default"`
}

// NewBooleanParameter declares a required boolean input.
func NewBooleanParameter(name, desc string) *BooleanParameter {
	return &BooleanParameter{CommonParameter: CommonParameter{Name: name, Type: typeBool, Desc: desc}}
}

func (p *BooleanParameter) GetDefault() any {
	if p.Default == nil {
		return nil
	}
	return *p.Default
}

func (p *BooleanParameter) Parse(v any) (any, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, &ParseTypeError{p.Name, p.Type, v}
	}
	return b, nil
}

// ArrayParameter declares a homogeneous array input.
type ArrayParameter struct {
	CommonParameter `yaml:",inline"`
	Default         *[]any     `yaml:"default"`
	Items           Parameters `yaml:"items" validate:"required,len=1"`
}

// NewArrayParameter declares a required array input with the given item
// declaration.
func NewArrayParameter(name, desc string, item Parameter) *ArrayParameter {
	return &ArrayParameter{CommonParameter: CommonParameter{Name: name, Type: typeArray, Desc: desc}, Items: Parameters{item}}
}

func (p *ArrayParameter) GetDefault() any {
	if p.Default == nil {
		return nil
	}
	return *p.Default
}

func (p *ArrayParameter) Parse(v any) (any, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, &ParseTypeError{p.Name, p.Type, v}
	}
	if len(p.Items) != 1 {
		return nil, fmt.Errorf("array parameter %q requires exactly one item declaration", p.Name)
	}
	out := make([]any, 0, len(arr))
	for _, item := range arr {
		parsed, err := p.Items[0].Parse(item)
		if err != nil {
			return nil, fmt.Errorf("item of %q: %w", p.Name, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

func (p *ArrayParameter) McpManifest() ParameterMcpManifest {
	var items *ParameterMcpManifest
	if len(p.Items) == 1 {
		m := p.Items[0].McpManifest()
		items = &m
	}
	return ParameterMcpManifest{Type: "array", Description: p.Desc, Items: items}
}

// MapParameter declares an object input with free-form values.
type MapParameter struct {
	CommonParameter `yaml:",inline"`
	Default         *map[string]any `yaml:"default"`
	ValueType       string          `yaml:"valueType"`
}

// NewMapParameter declares a required object input. valueType constrains
// the value kinds when non-empty.
func NewMapParameter(name, desc, valueType string) *MapParameter {
	return &MapParameter{CommonParameter: CommonParameter{Name: name, Type: typeMap, Desc: desc}, ValueType: valueType}
}

func (p *MapParameter) GetDefault() any {
	if p.Default == nil {
		return nil
	}
	return *p.Default
}

func (p *MapParameter) Parse(v any) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &ParseTypeError{p.Name, p.Type, v}
	}
	if p.ValueType == "" {
		return m, nil
	}
	value := typedValueParameter(p.ValueType)
	if value == nil {
		return nil, fmt.Errorf("map parameter %q has unknown valueType %q", p.Name, p.ValueType)
	}
	out := make(map[string]any, len(m))
	for k, item := range m {
		parsed, err := value.Parse(item)
		if err != nil {
			return nil, fmt.Errorf("value of %q[%q]: %w", p.Name, k, err)
		}
		out[k] = parsed
	}
	return out, nil
}

func (p *MapParameter) McpManifest() ParameterMcpManifest {
	additional := any(true)
	if value := typedValueParameter(p.ValueType); value != nil {
		additional = value.McpManifest()
	}
	return ParameterMcpManifest{Type: "object", Description: p.Desc, AdditionalProperties: additional}
}

func typedValueParameter(valueType string) Parameter {
	switch valueType {
	case typeString:
		return NewStringParameter("value", "")
	case typeInt:
		return NewIntParameter("value", "")
	case typeFloat:
		return NewFloatParameter("value", "")
	case typeBool:
		return NewBooleanParameter("value", "")
	default:
		return nil
	}
}
