// Package tools defines the closed capability interface for callable tools
// and the name-keyed registry the engine dispatches through. Each tool
// declares a typed parameter schema; arguments are validated against it
// before execution.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/conductor/internal/provider"
)

// Param describes one tool parameter.
type Param struct {
	Type        string   // string, integer, boolean, object, array
	Description string
	Enum        []string
}

// Definition is a tool's metadata and parameter schema.
type Definition struct {
	Name             string
	Description      string
	Params           map[string]Param
	Required         []string
	RequiresApproval bool
	Timeout          time.Duration
	Category         string
}

// Schema renders the definition as the provider-facing tool schema:
// {name, description, input_schema: {type: object, properties, required}}.
func (d Definition) Schema() provider.ToolSchema {
	properties := make(map[string]any, len(d.Params))
	for name, p := range d.Params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[name] = prop
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(d.Required) > 0 {
		schema["required"] = d.Required
	}
	return provider.ToolSchema{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: schema,
	}
}

// Result is a tool's structured outcome. Failures are data, not errors: the
// engine folds them back into the conversation so the provider can react.
type Result struct {
	Success bool
	Output  string
	Error   string
	Meta    map[string]any
}

// Ok builds a success result.
func Ok(output string) Result { return Result{Success: true, Output: output} }

// Fail builds a failure result.
func Fail(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Tool is one callable capability.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, args map[string]any) Result
}

// Helpers for reading duck-typed argument maps.

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// intArg tolerates the float64 that JSON decoding produces.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
