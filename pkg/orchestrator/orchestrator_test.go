package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopwright/agentcore/pkg/history"
	"github.com/loopwright/agentcore/pkg/interrupt"
	"github.com/loopwright/agentcore/pkg/providers"
	"github.com/loopwright/agentcore/pkg/session"
	"github.com/loopwright/agentcore/pkg/tools"
)

// scriptedProvider returns a pre-built queue of responses/errors, one per
// call, in order. It satisfies providers.LLMProvider only — the
// orchestrator's send() falls back to Chat when SendStreaming isn't
// implemented.
type scriptedProvider struct {
	responses []*providers.LLMResponse
	errs      []error
	onCall    func(callIndex int)
	calls     int
}

func (p *scriptedProvider) GetDefaultModel() string { return "test-model" }

func (p *scriptedProvider) Chat(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	i := p.calls
	p.calls++
	if p.onCall != nil {
		p.onCall(i)
	}
	var err error
	if i < len(p.errs) {
		err = p.errs[i]
	}
	var resp *providers.LLMResponse
	if i < len(p.responses) {
		resp = p.responses[i]
	}
	return resp, err
}

// runLog records tool executions under a mutex, since parallel-classified
// tools execute concurrently in the executor's worker pool.
type runLog struct {
	mu  sync.Mutex
	ran []string
}

func (l *runLog) record(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ran = append(l.ran, name)
}

func (l *runLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ran...)
}

// echoTool is a minimal non-interactive tool that ignores its arguments
// and returns a fixed string, recording that it ran.
type echoTool struct {
	name   string
	output string
	log    *runLog
}

func (t *echoTool) Name() string               { return t.name }
func (t *echoTool) Description() string        { return "test tool: " + t.name }
func (t *echoTool) Parameters() map[string]any { return map[string]any{} }
func (t *echoTool) Execute(ctx context.Context, args map[string]any, sess tools.SessionContext) *tools.ToolResult {
	if t.log != nil {
		t.log.record(t.name)
	}
	return tools.NewToolResult(t.output)
}

// userCollabTool stands in for user_collaboration: interactive, always
// scheduled last by Classify/ExecuteOrdered.
type userCollabTool struct {
	log *runLog
}

func (userCollabTool) Name() string               { return "user_collaboration" }
func (userCollabTool) Description() string        { return "asks the user a question" }
func (userCollabTool) Parameters() map[string]any { return map[string]any{} }
func (t userCollabTool) Interactive() bool        { return true }
func (t userCollabTool) Execute(ctx context.Context, args map[string]any, sess tools.SessionContext) *tools.ToolResult {
	if t.log != nil {
		t.log.record("user_collaboration")
	}
	return tools.NewToolResult("user said: ok")
}

type fakeUI struct{}

func (fakeUI) OnSystemMessage(text string) {}
func (fakeUI) AskUser(ctx context.Context, prompt string) (string, error) { return "ok", nil }

func newTestOrchestrator(provider providers.LLMProvider, reg *tools.Registry, ctrl *interrupt.Controller) (*Orchestrator, *session.SessionManager) {
	sm := session.NewSessionManager("")
	if ctrl == nil {
		ctrl = interrupt.NewController(nil)
	}
	cfg := Config{
		Provider:         provider,
		Sessions:         sm,
		Registry:         reg,
		Executor:         tools.NewExecutor(reg, nil),
		Sanitizer:        history.NewSanitizer(nil),
		Trimmer:          history.NewTrimmer(),
		Interrupt:        ctrl,
		Model:            "test-model",
		ModelContext:     100000,
		MaxTokens:        1000,
		SupportsToolRole: true,
		MaxConcurrency:   4,
	}
	return New(cfg), sm
}

func TestProcess_PlainAnswer(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{Content: "4"},
	}}
	reg := tools.NewRegistry(nil)
	o, sm := newTestOrchestrator(provider, reg, nil)

	res := o.Process(context.Background(), Request{SessionKey: "s1", SystemPrompt: "sys", UserInput: "What is 2+2?"})

	require.True(t, res.Success)
	assert.Equal(t, "4", res.Content)
	assert.Equal(t, 1, res.Iterations)

	hist := sm.Load("s1")
	require.Len(t, hist, 2)
	assert.Equal(t, "user", hist[0].Role)
	assert.Equal(t, "assistant", hist[1].Role)
	assert.Equal(t, "4", hist[1].Content)
}

func TestProcess_SingleToolThenAnswer(t *testing.T) {
	reg := tools.NewRegistry(nil)
	reg.Register(&echoTool{name: "read", output: "hello"})

	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "read", Arguments: map[string]any{"path": "FILE_A"}}}},
		{Content: "File contains: hello"},
	}}
	o, sm := newTestOrchestrator(provider, reg, nil)

	res := o.Process(context.Background(), Request{SessionKey: "s2", SystemPrompt: "sys", UserInput: "Read FILE_A"})

	require.True(t, res.Success)
	assert.Equal(t, "File contains: hello", res.Content)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "c1", res.ToolCalls[0].ID)

	hist := sm.Load("s2")
	require.Len(t, hist, 4)
	assert.Equal(t, "user", hist[0].Role)

	assert.Equal(t, "assistant", hist[1].Role)
	require.Len(t, hist[1].ToolCalls, 1)
	assert.Equal(t, "c1", hist[1].ToolCalls[0].ID)

	assert.Equal(t, "tool", hist[2].Role)
	assert.Equal(t, "c1", hist[2].ToolCallID)
	assert.Equal(t, "hello", hist[2].Content)

	assert.Equal(t, "assistant", hist[3].Role)
	assert.Equal(t, "File contains: hello", hist[3].Content)

	// The assistant-with-tool_calls message and its tool result were
	// stamped together by AppendAtomic: both carry IDs and CreatedAt, and
	// the tool result's ToolCallID exactly matches the committed call.
	assert.NotEmpty(t, hist[1].ID)
	assert.NotEmpty(t, hist[2].ID)
}

func TestProcess_MalformedJSONSelfCorrection(t *testing.T) {
	reg := tools.NewRegistry(nil)
	reg.Register(&echoTool{name: "read", output: "ok"})

	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{ToolCalls: []providers.ToolCall{{
			ID:       "c1",
			Name:     "read",
			Function: &providers.FunctionCall{Name: "read", Arguments: `{"offset":,"length":8192}`},
		}}},
		{Content: "done"},
	}}
	o, sm := newTestOrchestrator(provider, reg, nil)

	res := o.Process(context.Background(), Request{SessionKey: "s3", SystemPrompt: "sys", UserInput: "go"})

	require.True(t, res.Success)
	assert.Equal(t, "done", res.Content)
	// The malformed arguments were repaired at S5 validation, so this
	// never surfaced as a provider error and never touched the retry
	// policy's malformed_tool_json budget.
	assert.Equal(t, 2, provider.calls)

	hist := sm.Load("s3")
	require.Len(t, hist, 4)
	assert.Equal(t, "tool", hist[2].Role)
	assert.Equal(t, "ok", hist[2].Content)
}

func TestProcess_TokenLimitEscalationPreservesAnchor(t *testing.T) {
	sm := session.NewSessionManager("")
	key := "s4"
	sm.GetOrCreate(key)
	sm.Append(key, providers.Message{Role: "user", Content: "anchor", Importance: 10})
	for i := 0; i < 39; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		sm.Append(key, providers.Message{Role: role, Content: fmt.Sprintf("msg %d", i)})
	}

	tokenLimitErr := func() *providers.LLMResponse {
		return &providers.LLMResponse{Error: fmt.Errorf("token limit exceeded"), ErrorType: providers.ErrorTokenLimitExceeded}
	}
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		tokenLimitErr(),
		tokenLimitErr(),
		tokenLimitErr(),
		{Content: "final answer"},
	}}

	reg := tools.NewRegistry(nil)
	cfg := Config{
		Provider:         provider,
		Sessions:         sm,
		Registry:         reg,
		Executor:         tools.NewExecutor(reg, nil),
		Sanitizer:        history.NewSanitizer(nil),
		Trimmer:          history.NewTrimmer(),
		Interrupt:        interrupt.NewController(nil),
		Model:            "test-model",
		ModelContext:     100000,
		MaxTokens:        1000,
		SupportsToolRole: true,
	}
	o := New(cfg)

	res := o.Process(context.Background(), Request{SessionKey: key, SystemPrompt: "sys", UserInput: "continue"})

	require.True(t, res.Success)
	assert.Equal(t, "final answer", res.Content)
	assert.Equal(t, 4, provider.calls)
	assert.Equal(t, 4, res.Iterations)

	hist := sm.Load(key)
	found := false
	for _, m := range hist {
		if m.Content == "anchor" {
			found = true
		}
	}
	assert.True(t, found, "anchor message must survive every trim-ladder escalation")
}

func TestProcess_InterruptDuringResponseDiscardsToolCalls(t *testing.T) {
	reg := tools.NewRegistry(nil)
	log := &runLog{}
	reg.Register(&echoTool{name: "grep", output: "matches", log: log})
	reg.Register(userCollabTool{log: log})

	ctrl := interrupt.NewController(nil)
	provider := &scriptedProvider{
		onCall: func(i int) {
			if i == 1 {
				// Simulates the user pressing ESC while iteration 2's
				// stream was still producing chunks; the flag is only
				// observed once the full response has arrived.
				ctrl.Trigger()
			}
		},
		responses: []*providers.LLMResponse{
			{ToolCalls: []providers.ToolCall{{ID: "c0", Name: "grep", Arguments: map[string]any{"q": "x"}}}},
			{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "grep", Arguments: map[string]any{"q": "y"}}}},
			{ToolCalls: []providers.ToolCall{{ID: "c2", Name: "user_collaboration"}}},
			{Content: "done"},
		},
	}
	o, sm := newTestOrchestrator(provider, reg, ctrl)

	res := o.Process(context.Background(), Request{SessionKey: "s5", SystemPrompt: "sys", UserInput: "go", UI: fakeUI{}})

	require.True(t, res.Success)
	assert.Equal(t, "done", res.Content)
	assert.Equal(t, 4, provider.calls)

	assert.Equal(t, []string{"grep", "user_collaboration"}, log.snapshot(), "c1's grep call must never have executed")

	hist := sm.Load("s5")
	toolCallIDs := map[string]bool{}
	toolResultIDs := map[string]bool{}
	for _, m := range hist {
		if m.Role == "assistant" {
			for _, tc := range m.ToolCalls {
				toolCallIDs[tc.ID] = true
			}
		}
		if m.Role == "tool" {
			toolResultIDs[m.ToolCallID] = true
		}
	}
	assert.False(t, toolCallIDs["c1"], "interrupted iteration's tool_calls must not be committed")
	assert.False(t, toolResultIDs["c1"], "no orphaned tool result for the discarded call")
	assert.Equal(t, toolCallIDs, toolResultIDs, "every committed tool_calls id must have exactly one matching tool result")
}

func TestProcess_ParallelBeforeInteractive(t *testing.T) {
	reg := tools.NewRegistry(nil)
	log := &runLog{}
	reg.Register(&echoTool{name: "grep", output: "matches", log: log})
	reg.Register(&echoTool{name: "read", output: "contents", log: log})
	reg.Register(userCollabTool{log: log})

	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "grep", Arguments: map[string]any{}},
			{ID: "c2", Name: "read", Arguments: map[string]any{}},
			{ID: "c3", Name: "user_collaboration"},
		}},
		{Content: "all done"},
	}}
	o, sm := newTestOrchestrator(provider, reg, nil)

	res := o.Process(context.Background(), Request{SessionKey: "s6", SystemPrompt: "sys", UserInput: "go", UI: fakeUI{}})

	require.True(t, res.Success)
	assert.Equal(t, "all done", res.Content)

	order := log.snapshot()
	require.Len(t, order, 3)
	assert.Equal(t, "user_collaboration", order[2], "interactive tool must run last")
	assert.ElementsMatch(t, []string{"grep", "read"}, order[:2])

	hist := sm.Load("s6")
	require.Len(t, hist, 5)
	assert.Equal(t, "assistant", hist[1].Role)
	require.Len(t, hist[1].ToolCalls, 3)
	// Tool results are stored in executor output order: parallel group
	// (grep, read) first, interactive last.
	assert.Equal(t, "c1", hist[2].ToolCallID)
	assert.Equal(t, "c2", hist[3].ToolCallID)
	assert.Equal(t, "c3", hist[4].ToolCallID)
}

// scriptedStreamingProvider implements providers.StreamingProvider so
// send() takes the SendStreaming branch instead of falling back to Chat.
// It fires one OnChunk call per entry in chunks before returning resp.
type scriptedStreamingProvider struct {
	chunks []string
	resp   *providers.LLMResponse
	calls  int
}

func (p *scriptedStreamingProvider) GetDefaultModel() string { return "test-model" }

func (p *scriptedStreamingProvider) Chat(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	return p.resp, nil
}

func (p *scriptedStreamingProvider) SendStreaming(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition, model string, callbacks providers.StreamCallbacks) (*providers.LLMResponse, error) {
	p.calls++
	for _, c := range p.chunks {
		if callbacks.OnChunk != nil {
			callbacks.OnChunk(c)
		}
	}
	return p.resp, nil
}

// fakeKeyboardSource replays a fixed sequence of bytes, one per
// ReadNonBlocking call, then reports nothing buffered.
type fakeKeyboardSource struct {
	bytes []byte
	pos   int
}

func (k *fakeKeyboardSource) ReadNonBlocking() (byte, bool) {
	if k.pos >= len(k.bytes) {
		return 0, false
	}
	b := k.bytes[k.pos]
	k.pos++
	return b, true
}

func TestProcess_StreamingChunksPollForInterrupt(t *testing.T) {
	reg := tools.NewRegistry(nil)
	// ESC (0x1B) is buffered on the keyboard source before any chunk
	// arrives; withInterruptPolling's per-chunk drain must pick it up
	// during the first streamed response, not after Process returns.
	kb := &fakeKeyboardSource{bytes: []byte{0x1B}}
	ctrl := interrupt.NewController(kb)
	provider := &scriptedStreamingProvider{
		chunks: []string{"chunk1", "chunk2"},
		resp:   &providers.LLMResponse{Content: "done"},
	}
	o, sm := newTestOrchestrator(provider, reg, ctrl)

	res := o.Process(context.Background(), Request{SessionKey: "s7", SystemPrompt: "sys", UserInput: "go", UI: fakeUI{}})

	require.True(t, res.Success)
	// The interrupt discarded iteration 1's response entirely and made the
	// orchestrator loop back for a second provider call.
	assert.Equal(t, 2, provider.calls)

	hist := sm.Load("s7")
	foundNotice := false
	for _, m := range hist {
		if m.Role == "user" && strings.Contains(m.Content, "pressed ESC") {
			foundNotice = true
		}
	}
	assert.True(t, foundNotice, "expected an interrupt notice in session history: %+v", hist)
}
