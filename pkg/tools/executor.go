// Package tools also houses the Tool Executor (C5): dispatching a
// validated tool call to its implementation and shaping the result for
// history.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loopwright/agentcore/pkg/jsonrepair"
	"github.com/loopwright/agentcore/pkg/logger"
	"github.com/loopwright/agentcore/pkg/providers"
)

// Executor dispatches tool calls against a Registry, validating arguments
// against each tool's JSON schema before delegating to its implementation.
// It never panics into the caller: every failure path returns an
// error-flagged ToolResult.
type Executor struct {
	Registry *Registry
	log      *logger.Logger
}

func NewExecutor(registry *Registry, log *logger.Logger) *Executor {
	return &Executor{Registry: registry, log: log}
}

// Execute runs one tool call to completion. sess may be nil for tools that
// don't need session context.
func (e *Executor) Execute(ctx context.Context, call providers.ToolCall, sess SessionContext) (result *ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			result = ErrorResult(fmt.Sprintf("tool %q panicked: %v", call.Name, r)).
				WithToolCallID(call.ID)
		}
	}()

	tool, ok := e.Registry.Get(call.Name)
	if !ok {
		e.logResult(call.Name, "tool not found", 0)
		return ErrorResult(fmt.Sprintf("tool %q not found", call.Name)).
			WithError(ErrNotFound).
			WithToolCallID(call.ID)
	}

	descriptor := Describe(tool)

	args, err := e.resolveArguments(call)
	if err != nil {
		e.logResult(call.Name, "argument parse failed", 0)
		return ErrorResult(fmt.Sprintf("invalid arguments for %q: %v", call.Name, err)).
			WithError(err).
			WithToolCallID(call.ID)
	}

	if violation := validateAgainstSchema(descriptor.Parameters, args); violation != "" {
		e.logResult(call.Name, "schema validation failed", 0)
		return ErrorResult(schemaErrorPayload(descriptor, args, violation)).
			WithToolCallID(call.ID)
	}

	start := time.Now()
	result = tool.Execute(ctx, args, sess)
	duration := time.Since(start)

	if result == nil {
		result = ErrorResult(fmt.Sprintf("tool %q returned no result", call.Name)).
			WithError(fmt.Errorf("tool %q returned nil result", call.Name))
	}
	result.ToolCallID = call.ID

	if result.IsError {
		e.logResult(call.Name, "tool execution failed", duration.Milliseconds())
	} else {
		e.logResult(call.Name, "tool execution completed", duration.Milliseconds())
	}

	return result
}

func (e *Executor) resolveArguments(call providers.ToolCall) (map[string]any, error) {
	if len(call.Arguments) > 0 {
		return call.Arguments, nil
	}
	if call.Function == nil || call.Function.Arguments == "" {
		return map[string]any{}, nil
	}
	repaired, err := jsonrepair.Repair(call.Function.Arguments)
	if err != nil {
		return nil, err
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func (e *Executor) logResult(tool, message string, durationMS int64) {
	if e.log == nil {
		return
	}
	e.log.Debug("executor", message, map[string]any{"tool": tool, "duration_ms": durationMS})
}

// validateAgainstSchema compiles schema (a JSON-schema document expressed
// as a map) and validates args against it, returning a human-readable
// violation description, or "" if args satisfies the schema. Every input
// is accepted when the schema is empty/absent or cannot be compiled.
func validateAgainstSchema(schema map[string]any, args map[string]any) string {
	if len(schema) == 0 {
		return ""
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return ""
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", schemaDoc); err != nil {
		return ""
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return ""
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return err.Error()
	}
	var argsDoc any
	if err := json.Unmarshal(argsJSON, &argsDoc); err != nil {
		return err.Error()
	}

	if err := compiled.Validate(argsDoc); err != nil {
		return err.Error()
	}
	return ""
}

// schemaErrorPayload builds a compact error message naming the tool,
// the expected schema, and the attempted arguments, so the model can
// self-correct on its next turn (spec §4.5, §7 "Contract errors").
func schemaErrorPayload(d ToolDescriptor, attempted map[string]any, violation string) string {
	schemaJSON, _ := json.Marshal(d.Parameters)
	argsJSON, _ := json.Marshal(attempted)
	return fmt.Sprintf(
		"tool %q rejected its arguments: %s\nexpected schema: %s\nattempted arguments: %s",
		d.Name, violation, string(schemaJSON), string(argsJSON),
	)
}
