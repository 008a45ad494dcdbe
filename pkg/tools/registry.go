package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/loopwright/agentcore/pkg/logger"
	"github.com/loopwright/agentcore/pkg/providers"
)

// ErrNotFound is the error Executor.Execute attaches to its result when no
// visible tool is registered under a call's name; Get itself reports this
// with ok=false.
var ErrNotFound = fmt.Errorf("tool not found")

// Registry holds Tools keyed by name (C4) and derives their
// ToolDescriptors on lookup. Sub-agent processes get a filtered view: by
// default any tool whose descriptor reports RemotesWork or SpawnsSubagents
// is withheld, per spec §4.4/§9 — the precise list beyond that is left
// configurable via SetSubagent's extraBlocklist since the spec explicitly
// does not pin it down further.
type Registry struct {
	mu                   sync.RWMutex
	tools                map[string]Tool
	log                  *logger.Logger
	isSubagent           bool
	extraSubagentBlocked map[string]struct{}
}

// NewRegistry builds an empty registry. log may be nil.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		log:   log,
	}
}

// SetSubagent configures whether this registry instance is serving a
// sub-agent process; when true, the blocklist in visibleLocked applies.
func (r *Registry) SetSubagent(isSubagent bool, extraBlocklist []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isSubagent = isSubagent
	r.extraSubagentBlocked = make(map[string]struct{}, len(extraBlocklist))
	for _, name := range ResolveToolNames(extraBlocklist) {
		r.extraSubagentBlocked[name] = struct{}{}
	}
}

// Register adds or replaces a tool under its own Name().
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get looks up a tool by name, respecting the sub-agent blocklist.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	if !r.visibleLocked(tool) {
		return nil, false
	}
	return tool, true
}

// Descriptor looks up a tool's ToolDescriptor by name.
func (r *Registry) Descriptor(name string) (ToolDescriptor, bool) {
	tool, ok := r.Get(name)
	if !ok {
		return ToolDescriptor{}, false
	}
	return Describe(tool), true
}

func (r *Registry) visibleLocked(tool Tool) bool {
	if !r.isSubagent {
		return true
	}
	if _, blocked := r.extraSubagentBlocked[tool.Name()]; blocked {
		return false
	}
	d := Describe(tool)
	return !d.RemotesWork && !d.SpawnsSubagents
}

// sortedNames returns visible tool names in sorted order. Deterministic
// ordering matters here the same way it did for the teacher: identical
// tool listings produce identical system prompts and provider tool
// definitions call over call, which keeps a provider's prompt cache warm.
func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.tools))
	for name, tool := range r.tools {
		if r.visibleLocked(tool) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Definitions returns the provider-visible {type, function:{...}} schema
// for every visible tool, in deterministic order.
func (r *Registry) Definitions() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.sortedNames()
	defs := make([]map[string]any, 0, len(names))
	for _, name := range names {
		defs = append(defs, Describe(r.tools[name]).ToSchema())
	}
	return defs
}

// ToProviderDefs is the typed equivalent of Definitions, ready to pass to
// an LLMProvider.Chat call.
func (r *Registry) ToProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.sortedNames()
	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, Describe(r.tools[name]).ToProviderDef())
	}
	return defs
}

// List returns visible tool names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNames()
}

// Count returns the number of visible tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sortedNames())
}

// Summaries returns "- `name` - description" lines for visible tools.
func (r *Registry) Summaries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.sortedNames()
	out := make([]string, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		out = append(out, fmt.Sprintf("- `%s` - %s", tool.Name(), tool.Description()))
	}
	return out
}
