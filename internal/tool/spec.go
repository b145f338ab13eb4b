// Package tool provides tool registration and argument validation for
// the agent runtime.
//
// A [Spec] couples a typed Go handler with the JSON-schema signature
// exposed to the model. Specs are built with [New], which derives the
// parameter schema from the handler's input struct, and collected in a
// per-agent [Registry]. The runtime validates model-supplied arguments
// against the schema before dispatching the handler.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/jsonschema-go/jsonschema"
)

// Effect classifies a handler's side effects. The runtime serializes
// tool batches that contain a write-class handler and treats pure
// handlers as safe to run inline.
type Effect string

const (
	EffectPure          Effect = "pure"
	EffectRead          Effect = "read"
	EffectWrite         Effect = "write"
	EffectExternalWrite Effect = "external-write"
)

// Param describes one model-visible parameter. Params keep the order of
// the input struct's fields.
type Param struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Required    bool     `json:"required"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Handler is the type-erased execution function stored on a Spec.
// The runtime context carries the session state and caller identity;
// raw holds the validated argument JSON. Failures intended for the
// model must be returned as an [ErrorPayload] value, not as an error.
type Handler func(ctx context.Context, rc *Context, raw json.RawMessage) (any, error)

// Spec is one registered tool: its model-visible signature plus the
// handler dispatched by the runtime.
type Spec struct {
	Name        string
	Description string
	Effect      Effect
	Params      []Param

	handler  Handler
	resolved *jsonschema.Resolved
	attach   func(g *genkit.Genkit) ai.Tool
}

// New creates a Spec with a typed handler. The parameter schema is
// derived from In's exported fields: names come from json tags, order
// from field order, descriptions from the jsonschema_description tag,
// enumerations from the enum tag. Optional fields are pointers or carry
// json omitempty; absence and explicit null stay distinguishable
// because decoding uses pointer semantics.
func New[In, Out any](name, description string, effect Effect, fn func(ctx context.Context, rc *Context, in In) (Out, error)) (*Spec, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if description == "" {
		return nil, fmt.Errorf("tool %s: description is required", name)
	}

	params, err := deriveParams(reflect.TypeFor[In]())
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}

	schema := schemaFor(params)
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("tool %s: resolve schema: %w", name, err)
	}

	s := &Spec{
		Name:        name,
		Description: description,
		Effect:      effect,
		Params:      params,
		resolved:    resolved,
	}

	s.handler = func(ctx context.Context, rc *Context, raw json.RawMessage) (any, error) {
		var in In
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
		}
		out, err := fn(ctx, rc, in)
		if err != nil {
			return ExecutionError(err.Error()), nil
		}
		return out, nil
	}

	// Genkit needs the tool declared in its registry before the model
	// can request it; the handler mirrors the runtime dispatch path so
	// the declaration stays honest even though the runtime loop
	// dispatches tools itself.
	s.attach = func(g *genkit.Genkit) ai.Tool {
		return genkit.DefineTool(g, name, description,
			func(tctx *ai.ToolContext, in In) (any, error) {
				return fn(tctx.Context, FromContext(tctx.Context), in)
			})
	}

	return s, nil
}

// MustNew is New that panics on error, for static toolkit tables.
func MustNew[In, Out any](name, description string, effect Effect, fn func(ctx context.Context, rc *Context, in In) (Out, error)) *Spec {
	s, err := New(name, description, effect, fn)
	if err != nil {
		panic(err)
	}
	return s
}

// ValidateArgs checks raw against the derived schema. The empty
// document is valid when no parameter is required.
func (s *Spec) ValidateArgs(raw json.RawMessage) error {
	var value any = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &value); err != nil {
			return fmt.Errorf("arguments are not valid JSON: %w", err)
		}
	}
	if err := s.resolved.Validate(value); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

// Dispatch runs the handler with validated arguments.
func (s *Spec) Dispatch(ctx context.Context, rc *Context, raw json.RawMessage) (any, error) {
	return s.handler(ctx, rc, raw)
}

// Attach declares the tool in the genkit registry and returns the
// reference passed to the model adapter.
func (s *Spec) Attach(g *genkit.Genkit) ai.Tool {
	return s.attach(g)
}

// Sample returns a minimal argument document that satisfies the
// schema: zero-ish values for every required parameter.
func (s *Spec) Sample() map[string]any {
	sample := make(map[string]any)
	for _, p := range s.Params {
		if !p.Required {
			continue
		}
		switch {
		case len(p.Enum) > 0:
			sample[p.Name] = p.Enum[0]
		case p.Type == "string":
			sample[p.Name] = ""
		case p.Type == "integer" || p.Type == "number":
			sample[p.Name] = 0
		case p.Type == "boolean":
			sample[p.Name] = false
		case p.Type == "array":
			sample[p.Name] = []any{}
		default:
			sample[p.Name] = map[string]any{}
		}
	}
	return sample
}

// deriveParams builds the ordered parameter list from a struct type.
func deriveParams(t reflect.Type) ([]Param, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("input type must be a struct, got %s", t.Kind())
	}

	var params []Param
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		name, omitempty := jsonName(field)
		if name == "-" {
			continue
		}

		ft := field.Type
		optional := omitempty || ft.Kind() == reflect.Pointer
		for ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}

		p := Param{
			Name:        name,
			Type:        jsonType(ft),
			Required:    !optional,
			Description: field.Tag.Get("jsonschema_description"),
		}
		if enum := field.Tag.Get("enum"); enum != "" {
			p.Enum = strings.Split(enum, ",")
		}
		params = append(params, p)
	}
	return params, nil
}

// jsonName returns the wire name and omitempty flag for a field.
func jsonName(field reflect.StructField) (string, bool) {
	tag := field.Tag.Get("json")
	if tag == "" {
		return field.Name, false
	}
	parts := strings.Split(tag, ",")
	name := parts[0]
	if name == "" {
		name = field.Name
	}
	omitempty := false
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitempty = true
		}
	}
	return name, omitempty
}

// jsonType maps a Go type to its JSON schema type name.
func jsonType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	default:
		return "object"
	}
}

// schemaFor builds the validation schema for an ordered parameter list.
// Unknown properties are rejected so argument typos surface as
// validation errors instead of silently dropped fields.
func schemaFor(params []Param) *jsonschema.Schema {
	properties := make(map[string]*jsonschema.Schema, len(params))
	var required []string
	for _, p := range params {
		prop := &jsonschema.Schema{Type: p.Type, Description: p.Description}
		if len(p.Enum) > 0 {
			prop.Enum = make([]any, len(p.Enum))
			for i, v := range p.Enum {
				prop.Enum[i] = v
			}
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           properties,
		Required:             required,
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
}
