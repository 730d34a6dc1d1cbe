package tool

import (
	"context"
)

// Func adapts a plain Go function into a Tool.
//
// Responsibilities:
//   - Holds a JSON-schema-like parameter specification
//   - Validates supplied arguments against that schema before execution
//   - Normalizes failures into *ToolError with consistent codes:
//     VALIDATION_ERROR for schema mismatches, EXECUTION_ERROR for function
//     errors (custom codes pass through when the function returns *ToolError)
//
// A Func has no mutable state after construction and is safe for concurrent
// use.
type Func struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, args map[string]any) (any, error)
}

// NewFunc constructs a Func from an explicit schema and implementation.
//
// Example:
//
//	sum := tool.NewFunc(
//	    "calculate_sum",
//	    "Calculate the sum of two numbers",
//	    map[string]any{
//	        "type": "object",
//	        "properties": map[string]any{
//	            "a": map[string]any{"type": "number"},
//	            "b": map[string]any{"type": "number"},
//	        },
//	        "required": []string{"a", "b"},
//	    },
//	    func(ctx context.Context, args map[string]any) (any, error) {
//	        return args["a"].(float64) + args["b"].(float64), nil
//	    },
//	)
func NewFunc(name, description string, parameters map[string]any, fn func(ctx context.Context, args map[string]any) (any, error)) *Func {
	return &Func{name: name, description: description, parameters: parameters, fn: fn}
}

// NewFuncFromStruct derives the parameter schema from a struct, equivalent
// to NewFunc with Schema(structType).
//
// Example:
//
//	type SumArgs struct {
//	    A float64 `json:"a" description:"First addend"`
//	    B float64 `json:"b" description:"Second addend"`
//	}
//
//	sum := tool.NewFuncFromStruct("calculate_sum", "Calculate the sum of two numbers", SumArgs{}, fn)
func NewFuncFromStruct(name, description string, structType any, fn func(ctx context.Context, args map[string]any) (any, error)) *Func {
	return NewFunc(name, description, Schema(structType), fn)
}

// Name returns the unique tool name used in function call declarations.
func (t *Func) Name() string { return t.name }

// Description returns the description exposed to models.
func (t *Func) Description() string { return t.description }

// Parameters returns the schema describing expected arguments.
func (t *Func) Parameters() map[string]any { return t.parameters }

// Call validates args against the declared schema, then invokes the wrapped
// function. Failures surface as *ToolError.
func (t *Func) Call(ctx context.Context, args map[string]any) (any, error) {
	if err := ValidateArgs(args, t.parameters); err != nil {
		return nil, &ToolError{
			Tool:    t.name,
			Message: "parameter validation failed: " + err.Error(),
			Code:    CodeValidation,
			Details: err,
		}
	}

	result, err := t.fn(ctx, args)
	if err != nil {
		if terr, ok := err.(*ToolError); ok {
			return nil, terr
		}
		return nil, &ToolError{Tool: t.name, Message: err.Error(), Code: CodeExecution}
	}
	return result, nil
}
