package tools

import (
	"context"

	"github.com/loopwright/agentcore/pkg/providers"
)

// SessionContext is the narrow capability tools receive instead of the
// orchestrator's full session. It breaks the cyclic orchestrator<->tools
// reference the teacher's "session" parameter created: a tool can read
// history and prompt the user, but it cannot append messages directly —
// only the orchestrator writes to the message store.
type SessionContext interface {
	History() []providers.Message
	UI() UIHandle
}

// UIHandle is the subset of UI capability tools need: interactive tools
// (user_collaboration and the like) block on it to ask the user something;
// any tool may emit an informational system message through it.
type UIHandle interface {
	OnSystemMessage(text string)
	AskUser(ctx context.Context, prompt string) (string, error)
}

// Tool is the contract every concrete tool implementation satisfies. Its
// shape is deliberately small; classification (blocking/serial/
// interactive/remote-work/spawns-subagents) is expressed through the
// optional capability interfaces below rather than extra Tool methods, so
// a tool that needs none of them stays a four-method implementation.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any, sess SessionContext) *ToolResult
}

// BlockingTool, implemented optionally, marks a tool that must finish
// before any other tool proceeds in the same iteration.
type BlockingTool interface {
	Blocking() bool
}

// SerialTool, implemented optionally, marks a tool for which no two calls
// may run concurrently. ExecuteOrdered runs serial calls one at a time,
// after the blocking group and before the parallel group.
type SerialTool interface {
	Serial() bool
}

// InteractiveTool, implemented optionally, marks a tool that blocks on
// user input (e.g. user_collaboration). Interactive tools always run last
// in an iteration so their prompt reflects already-completed work.
type InteractiveTool interface {
	Interactive() bool
}

// RemoteWorkTool, implemented optionally, marks a tool that dispatches
// work to a remote system. Such tools are withheld from sub-agents by
// default (spec §4.4/§9 Open Questions).
type RemoteWorkTool interface {
	RemotesWork() bool
}

// SubagentSpawningTool, implemented optionally, marks a tool that can
// spawn nested sub-agents. Withheld from sub-agents by default for the
// same reason as RemoteWorkTool — it bounds recursive fan-out.
type SubagentSpawningTool interface {
	SpawnsSubagents() bool
}

// ToolResult is the normalized outcome of one tool execution. ForLLM is
// the content fed back into the conversation as the tool message; ForUser
// is an optional richer rendering for a terminal UI. The executor never
// raises — every failure mode is expressed as an error-flagged ToolResult.
type ToolResult struct {
	ToolCallID         string
	ForLLM             string
	ForUser            string
	ActionDescription  string
	ExpandedContent    string
	Silent             bool
	Async              bool
	IsError            bool
	Err                error
}

// NewToolResult builds a plain success result.
func NewToolResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM}
}

// SilentResult builds a success result that should not be echoed to the
// user-facing transcript (e.g. routine file reads).
func SilentResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM, Silent: true}
}

// AsyncResult marks a tool as having started work that will complete
// later via a callback, rather than synchronously.
func AsyncResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM, Async: true}
}

// ErrorResult builds a machine-readable error result. message becomes the
// model-visible content; use WithError to additionally carry the Go error
// for logging.
func ErrorResult(message string) *ToolResult {
	return &ToolResult{ForLLM: message, IsError: true}
}

// UserResult builds a result surfaced verbatim to the user as well as the
// model.
func UserResult(content string) *ToolResult {
	return &ToolResult{ForLLM: content, ForUser: content}
}

func (r *ToolResult) WithError(err error) *ToolResult {
	r.Err = err
	return r
}

func (r *ToolResult) WithToolCallID(id string) *ToolResult {
	r.ToolCallID = id
	return r
}

// ToolDescriptor is the registry's data-only record of a tool: its schema
// plus the classification flags the orchestrator needs to order and
// dispatch calls, without holding a reference to the tool's code.
type ToolDescriptor struct {
	Name            string
	Description     string
	Parameters      map[string]any
	Blocking        bool
	Serial          bool
	Interactive     bool
	RemotesWork     bool
	SpawnsSubagents bool
}

// Describe derives a ToolDescriptor from a Tool by probing its optional
// capability interfaces. A tool implementing none of them is
// parallelizable, non-interactive, and safe for sub-agents.
func Describe(t Tool) ToolDescriptor {
	d := ToolDescriptor{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}
	if b, ok := t.(BlockingTool); ok {
		d.Blocking = b.Blocking()
	}
	if s, ok := t.(SerialTool); ok {
		d.Serial = s.Serial()
	}
	if i, ok := t.(InteractiveTool); ok {
		d.Interactive = i.Interactive()
	}
	if r, ok := t.(RemoteWorkTool); ok {
		d.RemotesWork = r.RemotesWork()
	}
	if sp, ok := t.(SubagentSpawningTool); ok {
		d.SpawnsSubagents = sp.SpawnsSubagents()
	}
	return d
}

// ToSchema renders a ToolDescriptor as the {"type":"function","function":{...}}
// shape most providers expect for function-calling definitions.
func (d ToolDescriptor) ToSchema() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  d.Parameters,
		},
	}
}

func (d ToolDescriptor) ToProviderDef() providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		},
	}
}
