// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/jeranaias/rigrun-chatcore/internal/cloud"
)

// =============================================================================
// HANDLER
// =============================================================================

// Handler executes one tool invocation. The returned value must be
// JSON-serializable.
type Handler interface {
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// =============================================================================
// TOOL DEFINITION
// =============================================================================

// Tool is a registered capability.
type Tool struct {
	// Name is the function name the model calls.
	Name string

	// Description is sent to the model.
	Description string

	// Schema defines the tool's parameters.
	Schema Schema

	// Handler does the work.
	Handler Handler
}

// Schema defines a tool's parameters.
type Schema struct {
	Parameters []Parameter
}

// Parameter defines a single tool parameter.
type Parameter struct {
	// Name of the parameter
	Name string

	// Type is the parameter type ("string", "number", "integer", "boolean", "array", "object")
	Type string

	// Required indicates if the parameter must be provided
	Required bool

	// Description explains the parameter
	Description string

	// Enum contains allowed values for string type (optional)
	Enum []string
}

var (
	toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

	validParamTypes = map[string]bool{
		"string": true, "number": true, "integer": true,
		"boolean": true, "array": true, "object": true,
	}
)

// Registration errors.
var (
	ErrInvalidTool   = errors.New("invalid tool definition")
	ErrDuplicateTool = errors.New("tool already registered")
)

// Validate checks the definition at registration time.
func (t *Tool) Validate() error {
	if !toolNamePattern.MatchString(t.Name) {
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidTool, t.Name, toolNamePattern)
	}
	if t.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidTool, t.Name)
	}
	seen := make(map[string]bool, len(t.Schema.Parameters))
	for _, p := range t.Schema.Parameters {
		if p.Name == "" {
			return fmt.Errorf("%w: %s has an unnamed parameter", ErrInvalidTool, t.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: %s repeats parameter %q", ErrInvalidTool, t.Name, p.Name)
		}
		seen[p.Name] = true
		if !validParamTypes[p.Type] {
			return fmt.Errorf("%w: %s parameter %q has type %q", ErrInvalidTool, t.Name, p.Name, p.Type)
		}
	}
	return nil
}

// Spec renders the tool in function-calling form.
func (t *Tool) Spec() cloud.ToolSpec {
	properties := make(map[string]any, len(t.Schema.Parameters))
	required := make([]string, 0)
	for _, p := range t.Schema.Parameters {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	params, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	})
	return cloud.ToolSpec{
		Type: "function",
		Function: cloud.FunctionSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		},
	}
}

// =============================================================================
// TOOL REGISTRY
// =============================================================================

// Registry holds all available tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool after validating it.
func (r *Registry) Register(tool *Tool) error {
	if tool == nil {
		return fmt.Errorf("%w: nil tool", ErrInvalidTool)
	}
	if err := tool.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// MustRegister is Register that panics on error, for static tool sets.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the function-calling specs of all tools, sorted by name.
func (r *Registry) Specs() []cloud.ToolSpec {
	names := r.Names()
	specs := make([]cloud.ToolSpec, 0, len(names))
	for _, name := range names {
		tool, _ := r.Get(name)
		specs = append(specs, tool.Spec())
	}
	return specs
}

// =============================================================================
// ARGUMENT VALIDATION
// =============================================================================

// ValidationError represents a parameter validation error.
type ValidationError struct {
	Param   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Param + ": " + e.Message
}

// ValidateToolArgs validates arguments against a tool's schema: required
// parameters, types and enum membership.
func ValidateToolArgs(schema Schema, args map[string]any) error {
	for _, param := range schema.Parameters {
		val, exists := args[param.Name]

		if param.Required && (!exists || val == nil) {
			return &ValidationError{Param: param.Name, Message: "missing required argument"}
		}
		if !exists || val == nil {
			continue
		}
		if err := validateArgType(param, val); err != nil {
			return err
		}
		if s, ok := val.(string); ok && len(param.Enum) > 0 && !contains(param.Enum, s) {
			return &ValidationError{Param: param.Name, Message: fmt.Sprintf("value %q not in %v", s, param.Enum)}
		}
	}
	return nil
}

// validateArgType validates the type of a JSON-decoded argument.
func validateArgType(param Parameter, val any) error {
	ok := true
	switch param.Type {
	case "string":
		_, ok = val.(string)
	case "number":
		_, ok = val.(float64)
	case "integer":
		f, isNum := val.(float64)
		ok = isNum && f == float64(int64(f))
	case "boolean":
		_, ok = val.(bool)
	case "array":
		_, ok = val.([]any)
	case "object":
		_, ok = val.(map[string]any)
	}
	if !ok {
		return &ValidationError{Param: param.Name, Message: "expected " + param.Type + " type"}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
