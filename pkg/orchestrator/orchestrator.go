// Package orchestrator implements the Orchestrator (C11): the
// process(user_input, session) state machine that ties every other
// component — tokencount, jsonrepair, toolcalls, the tools registry and
// executor, the session store, the history sanitizer and trimmer, the
// retry policy, and the interrupt controller — into one request/response
// cycle. Grounded on the teacher's runAgentLoop/runLLMIteration, stripped
// of the bus/channel/multi-tenant plumbing those carry and reshaped into
// the spec's S0-S7 states.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loopwright/agentcore/pkg/history"
	"github.com/loopwright/agentcore/pkg/interrupt"
	"github.com/loopwright/agentcore/pkg/jsonrepair"
	"github.com/loopwright/agentcore/pkg/logger"
	"github.com/loopwright/agentcore/pkg/providers"
	"github.com/loopwright/agentcore/pkg/retry"
	"github.com/loopwright/agentcore/pkg/session"
	"github.com/loopwright/agentcore/pkg/toolcalls"
	"github.com/loopwright/agentcore/pkg/tools"
	"github.com/loopwright/agentcore/pkg/utils"
)

// warnMessageMaxLen bounds how much of an error string reaches the log
// line; provider/tool errors can embed entire request bodies.
const warnMessageMaxLen = 500

const defaultMaxIterations = 500

// MutationSnapshotter is the optional capability backing S0's "take a
// mutation snapshot if available" step. Hosts with nothing to snapshot
// (no workspace, no filesystem side effects) simply leave it nil.
type MutationSnapshotter interface {
	Snapshot(ctx context.Context) (id string, err error)
}

// Config wires every collaborator the orchestrator needs for one agent
// instance. Provider must satisfy providers.LLMProvider; implementing
// providers.StreamingProvider in addition lets S2 stream chunks through
// Request.Callbacks.
type Config struct {
	Provider  providers.LLMProvider
	Sessions  *session.SessionManager
	Registry  *tools.Registry
	Executor  *tools.Executor
	Sanitizer *history.Sanitizer
	Trimmer   *history.Trimmer
	Interrupt *interrupt.Controller
	Snapshot  MutationSnapshotter
	Log       *logger.Logger

	Model            string
	ModelContext     int
	MaxTokens        int
	Temperature      float64
	SupportsToolRole bool
	MaxIterations    int
	MaxConcurrency   int
}

// Orchestrator runs Process, the S0-S7 state machine of spec §4.11.
type Orchestrator struct {
	cfg Config
}

// New builds an Orchestrator from cfg, defaulting MaxIterations to 500
// when unset.
func New(cfg Config) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	return &Orchestrator{cfg: cfg}
}

// Request is one call to Process.
type Request struct {
	SessionKey   string
	SystemPrompt string
	UserInput    string
	UI           tools.UIHandle
	Callbacks    providers.StreamCallbacks
}

// Result is what Process returns: the final answer plus enough detail for
// a caller to check the boundary behaviors spec §8 names (tool calls
// made, iteration count, success flag, terminal reason).
type Result struct {
	Success        bool
	Content        string
	Iterations     int
	ToolCalls      []providers.ToolCall
	Usage          providers.UsageInfo
	TerminalReason string
}

// sessCtx adapts a frozen history snapshot plus a UI handle into the
// narrow tools.SessionContext capability tools receive — breaking the
// cyclic orchestrator<->tools reference the teacher's "session" parameter
// created (spec §9).
type sessCtx struct {
	history []providers.Message
	ui      tools.UIHandle
}

func (s sessCtx) History() []providers.Message { return s.history }
func (s sessCtx) UI() tools.UIHandle           { return s.ui }

// Process runs one full request to completion: S0 through whichever
// termination condition fires first (final answer, iteration bound,
// session error budget, consecutive-identical-error limit, or a
// caller-visible interrupt halt).
func (o *Orchestrator) Process(ctx context.Context, req Request) Result {
	sm := o.cfg.Sessions
	key := req.SessionKey

	// S0 Init.
	if o.cfg.Snapshot != nil {
		if id, err := o.cfg.Snapshot.Snapshot(ctx); err != nil {
			o.warn("mutation snapshot failed", map[string]any{"error": utils.Truncate(err.Error(), warnMessageMaxLen)})
		} else {
			sm.SetLastSnapshot(key, id)
		}
	}
	sm.ResetErrorCount(key)
	sm.SetInterrupted(key, false)
	o.cfg.Interrupt.Clear()

	priorHistory := sm.Load(key)
	contextFiles := sm.ContextFiles(key)
	sm.ClearContextFiles(key)

	trimmed := o.cfg.Trimmer.Trim(priorHistory, req.SystemPrompt, o.trimConfig())
	messages := o.buildMessages(req.SystemPrompt, contextFiles, trimmed)

	userMsg := sm.Append(key, providers.Message{Role: "user", Content: req.UserInput, Importance: 10})
	sm.Save(key)
	messages = append(messages, userMsg)

	policy := retry.NewPolicy()
	iteration := 0
	var allToolCalls []providers.ToolCall
	var usage providers.UsageInfo

	for {
		// S1 Iterate.
		iteration++
		if iteration > o.cfg.MaxIterations {
			sm.Save(key)
			return Result{Iterations: iteration - 1, ToolCalls: allToolCalls, Usage: usage, TerminalReason: "iteration bound exceeded"}
		}

		if o.cfg.Interrupt.Poll() {
			messages = o.injectInterrupt(key, messages)
			continue
		}

		// S2 Send.
		outgoing := o.cfg.Sanitizer.EnforceAlternation(o.cfg.Sanitizer.RemoveOrphans(messages), o.cfg.SupportsToolRole)
		resp, errType, errMsg, retryAfter, hasErr := o.send(ctx, outgoing, req.Callbacks)

		// S3 Classify error.
		if hasErr {
			sm.IncrementErrorCount(key)
			class := retry.Classify(errType, errMsg)
			decision := policy.Handle(class, errMsg, retryAfter)
			if !decision.Retryable {
				sm.Save(key)
				return Result{Iterations: iteration, ToolCalls: allToolCalls, Usage: usage, TerminalReason: decision.TerminalReason}
			}

			var terminal string
			messages, terminal = o.applyRecovery(ctx, key, req.SystemPrompt, contextFiles, messages, decision, errMsg)
			if terminal != "" {
				sm.Save(key)
				return Result{Iterations: iteration, ToolCalls: allToolCalls, Usage: usage, TerminalReason: terminal}
			}
			continue
		}
		policy.ResetAttempts()

		if resp.Usage != nil {
			usage.PromptTokens += resp.Usage.PromptTokens
			usage.CompletionTokens += resp.Usage.CompletionTokens
			usage.TotalTokens += resp.Usage.TotalTokens
		}

		// The stream may have finished with tool_calls already queued up
		// the moment the interrupt flag was raised mid-response. Those
		// calls are discarded whole rather than executed: S6 never sees
		// them, so nothing from this response is ever committed.
		if o.cfg.Interrupt.Poll() {
			messages = o.injectInterrupt(key, messages)
			continue
		}

		normalized := make([]providers.ToolCall, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			normalized = append(normalized, providers.NormalizeToolCall(tc))
		}

		// S4 Extract tool calls.
		extraction := toolcalls.Extract(resp.Content, normalized)
		if len(extraction.Calls) == 0 {
			// S7 Finalize.
			final := extraction.CleanedContent
			sm.Append(key, providers.Message{Role: "assistant", Content: final})
			sm.Save(key)
			return Result{Success: true, Content: final, Iterations: iteration, ToolCalls: allToolCalls, Usage: usage}
		}

		// S5 Validate.
		validCalls, invalidCalls, errorMsgs := o.validateCalls(extraction.Calls)
		if len(validCalls) == 0 {
			stamped := sm.Append(key, providers.Message{Role: "assistant", Content: extraction.CleanedContent})
			messages = append(messages, stamped)
			continue
		}

		// S6 Execute.
		sc := sessCtx{history: sm.Load(key), ui: req.UI}
		execResults := o.cfg.Executor.ExecuteOrdered(ctx, validCalls, sc, tools.OrderedExecutionOptions{
			MaxConcurrency: o.cfg.MaxConcurrency,
			PollInterrupt:  o.cfg.Interrupt.Poll,
		})

		committedCalls := append(append([]providers.ToolCall{}, invalidCalls...), callsOf(execResults)...)
		allToolCalls = append(allToolCalls, committedCalls...)

		if len(committedCalls) > 0 {
			assistantMsg := providers.Message{Role: "assistant", Content: extraction.CleanedContent, ToolCalls: committedCalls}
			group := append([]providers.Message{assistantMsg}, errorMsgs...)

			var stamped []providers.Message
			if len(execResults) > 0 {
				group = append(group, toolResultMessage(execResults[0]))
				s, err := sm.AppendAtomic(key, group)
				if err != nil {
					o.warn("atomic commit failed", map[string]any{"error": utils.Truncate(err.Error(), warnMessageMaxLen)})
				}
				stamped = s
				for _, ex := range execResults[1:] {
					stamped = append(stamped, sm.Append(key, toolResultMessage(ex)))
				}
			} else {
				s, err := sm.AppendAtomic(key, group)
				if err != nil {
					o.warn("atomic commit failed", map[string]any{"error": utils.Truncate(err.Error(), warnMessageMaxLen)})
				}
				stamped = s
			}
			messages = append(messages, stamped...)
		}

		sm.Save(key)

		if o.cfg.Interrupt.Poll() {
			messages = o.injectInterrupt(key, messages)
		}
	}
}

func callsOf(execs []tools.ToolExecution) []providers.ToolCall {
	out := make([]providers.ToolCall, 0, len(execs))
	for _, ex := range execs {
		out = append(out, ex.ToolCall)
	}
	return out
}

func toolResultMessage(ex tools.ToolExecution) providers.Message {
	content := ex.Result.ForLLM
	if content == "" && ex.Result.Err != nil {
		content = ex.Result.Err.Error()
	}
	return providers.Message{Role: "tool", Content: content, ToolCallID: ex.ToolCall.ID}
}

// buildMessages assembles [system] + injected_context_files + history,
// the first three terms of S0's outgoing-message formula; the caller
// appends the fresh user turn itself.
func (o *Orchestrator) buildMessages(systemPrompt string, contextFiles []string, trimmedHistory []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(trimmedHistory)+1+len(contextFiles))
	out = append(out, providers.Message{Role: "system", Content: systemPrompt})
	for _, f := range contextFiles {
		out = append(out, providers.Message{Role: "user", Content: fmt.Sprintf("Context file added: %s", f)})
	}
	out = append(out, trimmedHistory...)
	return out
}

func (o *Orchestrator) trimConfig() history.TrimConfig {
	return history.TrimConfig{ModelContext: o.cfg.ModelContext, MaxResponse: o.cfg.MaxTokens}
}

// send calls the provider, preferring streaming when the adapter supports
// it, and normalizes both a Go error and an in-band LLMResponse.Error into
// the same (errType, message, retryAfter, hasErr) shape S3 classifies.
func (o *Orchestrator) send(ctx context.Context, messages []providers.Message, callbacks providers.StreamCallbacks) (resp *providers.LLMResponse, errType providers.ErrorType, errMsg string, retryAfter int, hasErr bool) {
	defs := o.cfg.Registry.ToProviderDefs()

	var err error
	if sp, ok := o.cfg.Provider.(providers.StreamingProvider); ok {
		resp, err = sp.SendStreaming(ctx, messages, defs, o.cfg.Model, o.withInterruptPolling(callbacks))
	} else {
		resp, err = o.cfg.Provider.Chat(ctx, messages, defs, o.cfg.Model, map[string]any{
			"max_tokens":  o.cfg.MaxTokens,
			"temperature": o.cfg.Temperature,
		})
	}

	if err != nil {
		return nil, providers.ErrorOther, err.Error(), 0, true
	}
	if resp == nil {
		return nil, providers.ErrorOther, "provider returned no response", 0, true
	}
	if resp.Error != nil {
		return resp, resp.ErrorType, resp.Error.Error(), resp.RetryAfter, true
	}
	return resp, "", "", 0, false
}

// withInterruptPolling wraps callbacks.OnChunk so every streamed chunk also
// drains the interrupt controller's keyboard source (PollDuringStream),
// catching ESC the moment it arrives instead of waiting for the response to
// finish. The caller's own OnChunk still runs afterward unchanged.
func (o *Orchestrator) withInterruptPolling(callbacks providers.StreamCallbacks) providers.StreamCallbacks {
	onChunk := callbacks.OnChunk
	callbacks.OnChunk = func(text string) {
		o.cfg.Interrupt.PollDuringStream()
		if onChunk != nil {
			onChunk(text)
		}
	}
	return callbacks
}

// validateCalls runs C2 (jsonrepair) over each call's arguments. Calls
// that can't be repaired are returned separately, paired with an
// immediate error tool message, so the assistant message committed in S6
// still pairs 1:1 with a tool message for every id it carries.
func (o *Orchestrator) validateCalls(calls []providers.ToolCall) (valid, invalid []providers.ToolCall, errorMsgs []providers.Message) {
	for _, c := range calls {
		args, err := repairArguments(c)
		if err != nil {
			invalid = append(invalid, c)
			errorMsgs = append(errorMsgs, providers.Message{
				Role:       "tool",
				Content:    fmt.Sprintf("tool call %q arguments could not be parsed: %v", c.Name, err),
				ToolCallID: c.ID,
			})
			continue
		}
		c.Arguments = args
		valid = append(valid, c)
	}
	return valid, invalid, errorMsgs
}

func repairArguments(c providers.ToolCall) (map[string]any, error) {
	if len(c.Arguments) > 0 {
		return c.Arguments, nil
	}
	if c.Function == nil || c.Function.Arguments == "" {
		return map[string]any{}, nil
	}
	repaired, err := jsonrepair.Repair(c.Function.Arguments)
	if err != nil {
		return nil, err
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// injectInterrupt appends the C10 notice as a user message, clears the
// pending flag, and records the interrupt on the session (spec §4.11 S1 /
// scenario 5: no orphaned tool_calls, the loop continues afterward).
func (o *Orchestrator) injectInterrupt(sessionKey string, messages []providers.Message) []providers.Message {
	notice := o.cfg.Sessions.Append(sessionKey, interrupt.Notice())
	o.cfg.Sessions.SetInterrupted(sessionKey, true)
	o.cfg.Interrupt.Clear()
	return append(messages, notice)
}

// applyRecovery performs a Decision's Actions in order and returns the
// messages the next S2 send should use. terminal is non-empty only when
// an action itself decides the request must end: the trim ladder is
// exhausted with too little history left to usefully reduce further, or
// a backoff wait is cut short by ctx cancellation.
func (o *Orchestrator) applyRecovery(ctx context.Context, sessionKey, systemPrompt string, contextFiles []string, messages []providers.Message, decision retry.Decision, errMsg string) ([]providers.Message, string) {
	sm := o.cfg.Sessions

	for _, action := range decision.Actions {
		switch action {
		case retry.ActionRemoveLastAssistant:
			sm.RemoveLastAssistantMessage(sessionKey)
			messages = popLastIfAssistant(messages)

		case retry.ActionAppendSchemaNote:
			messages = o.appendNote(sessionKey, messages,
				"Your last tool call used malformed JSON arguments. Please re-issue the call with valid JSON.")

		case retry.ActionAppendRecoveryNote:
			messages = o.appendNote(sessionKey, messages,
				"The tool call arguments were still malformed after a correction attempt. Review the tool's schema carefully and try again.")

		case retry.ActionAppendUserNote:
			messages = o.appendNote(sessionKey, messages,
				fmt.Sprintf("An error occurred and has been handled: %s. Continuing.", errMsg))

		case retry.ActionInvokeTrimLadder:
			reduced, ok := o.cfg.Trimmer.Ladder(sm.Load(sessionKey), decision.Attempt)
			if !ok {
				return messages, "context window too small"
			}
			sm.SetHistory(sessionKey, reduced)
			messages = o.buildMessages(systemPrompt, contextFiles, reduced)

		case retry.ActionExponentialBackoff, retry.ActionHonorRetryAfter:
			if err := retry.Pace(ctx, decision.Backoff); err != nil {
				return messages, "interrupted during backoff"
			}

		case retry.ActionReloadHistory:
			reloaded := o.cfg.Trimmer.Trim(sm.Load(sessionKey), systemPrompt, o.trimConfig())
			messages = o.buildMessages(systemPrompt, contextFiles, reloaded)
		}
	}

	return messages, ""
}

func (o *Orchestrator) appendNote(sessionKey string, messages []providers.Message, text string) []providers.Message {
	stamped := o.cfg.Sessions.Append(sessionKey, providers.Message{Role: "user", Content: text})
	return append(messages, stamped)
}

func popLastIfAssistant(messages []providers.Message) []providers.Message {
	if len(messages) == 0 || messages[len(messages)-1].Role != "assistant" {
		return messages
	}
	return messages[:len(messages)-1]
}

func (o *Orchestrator) warn(message string, fields map[string]any) {
	if o.cfg.Log == nil {
		return
	}
	o.cfg.Log.Warn("orchestrator", message, fields)
}
