// Command agentcore runs a single request through the orchestrator from a
// terminal prompt. It wires the in-scope components only — provider
// transport, config loading, and a real tool set are external concerns the
// spec places out of scope, so this demo ships a stub provider and two
// toy tools just to exercise the loop end to end.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/loopwright/agentcore/pkg/history"
	"github.com/loopwright/agentcore/pkg/interrupt"
	"github.com/loopwright/agentcore/pkg/logger"
	"github.com/loopwright/agentcore/pkg/orchestrator"
	"github.com/loopwright/agentcore/pkg/providers"
	"github.com/loopwright/agentcore/pkg/session"
	"github.com/loopwright/agentcore/pkg/tools"
)

const systemPrompt = "You are a terminal coding assistant. Use tools when asked to read or search files."

func main() {
	log := logger.New(os.Stderr, logger.ParseLevel(os.Getenv("AGENTCORE_LOG_LEVEL")))

	registry := tools.NewRegistry(log)
	registry.Register(echoReadTool{})
	registry.Register(echoGrepTool{})

	o := orchestrator.New(orchestrator.Config{
		Provider:         &stubProvider{},
		Sessions:         session.NewSessionManager(os.Getenv("AGENTCORE_SESSION_DIR")),
		Registry:         registry,
		Executor:         tools.NewExecutor(registry, log),
		Sanitizer:        history.NewSanitizer(log),
		Trimmer:          history.NewTrimmer(),
		Interrupt:        interrupt.NewController(nil),
		Log:              log,
		Model:            "stub-model",
		ModelContext:     128000,
		MaxTokens:        4096,
		Temperature:      0.2,
		SupportsToolRole: true,
		MaxConcurrency:   4,
	})

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			fmt.Print("> ")
			continue
		}
		if input == "exit" || input == "quit" {
			return
		}

		res := o.Process(context.Background(), orchestrator.Request{
			SessionKey:   "local",
			SystemPrompt: systemPrompt,
			UserInput:    input,
			UI:           cliUI{},
		})
		if res.Success {
			fmt.Println(res.Content)
		} else {
			fmt.Printf("[stopped: %s]\n", res.TerminalReason)
		}
		fmt.Print("> ")
	}
}

// cliUI answers interactive tool prompts directly from stdin.
type cliUI struct{}

func (cliUI) OnSystemMessage(text string) { fmt.Println("*", text) }

func (cliUI) AskUser(ctx context.Context, prompt string) (string, error) {
	fmt.Printf("%s: ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return scanner.Text(), nil
}

// stubProvider stands in for a real LLMProvider adapter: transport, auth,
// and vendor wire protocols are out of scope (spec §1 Non-goals). It
// always answers directly, never emitting tool_calls, so the demo loop
// terminates in one iteration no matter what's typed.
type stubProvider struct{}

func (*stubProvider) GetDefaultModel() string { return "stub-model" }

func (*stubProvider) Chat(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	last := ""
	if len(messages) > 0 {
		last = messages[len(messages)-1].Content
	}
	return &providers.LLMResponse{Content: fmt.Sprintf("stub provider received: %q", last)}, nil
}

// echoReadTool and echoGrepTool are toy tools so the registry isn't empty;
// a real deployment registers its actual tool implementations here
// instead (out of scope per spec §1).
type echoReadTool struct{}

func (echoReadTool) Name() string        { return "read" }
func (echoReadTool) Description() string { return "reads a file (demo stub)" }
func (echoReadTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"path": map[string]any{"type": "string"}},
		"required":   []any{"path"},
	}
}
func (echoReadTool) Execute(ctx context.Context, args map[string]any, sess tools.SessionContext) *tools.ToolResult {
	return tools.NewToolResult(fmt.Sprintf("contents of %v (demo stub)", args["path"]))
}

type echoGrepTool struct{}

func (echoGrepTool) Name() string        { return "grep" }
func (echoGrepTool) Description() string { return "searches files (demo stub)" }
func (echoGrepTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"pattern": map[string]any{"type": "string"}},
		"required":   []any{"pattern"},
	}
}
func (echoGrepTool) Execute(ctx context.Context, args map[string]any, sess tools.SessionContext) *tools.ToolResult {
	return tools.NewToolResult(fmt.Sprintf("no matches for %v (demo stub)", args["pattern"]))
}
