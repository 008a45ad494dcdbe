// Package history implements the two conversation-shaping components that
// sit between the message store and the provider call: the Sanitizer
// (orphan cleanup plus role-alternation enforcement) and the Trimmer
// (context-window fitting). Both operate purely on a []providers.Message
// copy; neither ever touches the message store.
package history

import (
	"fmt"

	"github.com/loopwright/agentcore/pkg/logger"
	"github.com/loopwright/agentcore/pkg/providers"
)

// Sanitizer fixes orphaned tool-call/result pairs and, for providers that
// can't carry role=tool, rewrites the history into an alternating,
// provider-safe shape. Grounded on the teacher's sanitizeToolPairs and
// sanitizeHistoryForProvider, generalized to the spec's two-pass / then
// alternation-enforcement split.
type Sanitizer struct {
	log *logger.Logger
}

func NewSanitizer(log *logger.Logger) *Sanitizer {
	return &Sanitizer{log: log}
}

// RemoveOrphans runs Pass A then Pass B over messages and returns a new
// slice; the input is never mutated.
func (s *Sanitizer) RemoveOrphans(messages []providers.Message) []providers.Message {
	return s.passB(s.passA(messages))
}

// passA strips tool_calls from any assistant message whose calls aren't
// all answered by the immediately following tool messages. The assistant's
// text content is kept. Normal after trimming has cut the matching tool
// results; logged at DEBUG only, never a warning.
func (s *Sanitizer) passA(messages []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(messages))
	for i, msg := range messages {
		if msg.Role != "assistant" || len(msg.ToolCalls) == 0 {
			out = append(out, msg)
			continue
		}

		present := make(map[string]bool, len(msg.ToolCalls))
		for j := i + 1; j < len(messages) && messages[j].Role == "tool"; j++ {
			present[messages[j].ToolCallID] = true
		}

		complete := true
		for _, tc := range msg.ToolCalls {
			if !present[tc.ID] {
				complete = false
				break
			}
		}
		if complete {
			out = append(out, msg)
			continue
		}

		s.debug("passA: stripping orphaned tool_calls from assistant message", map[string]any{
			"tool_call_count": len(msg.ToolCalls),
		})
		out = append(out, providers.Message{
			Role:       "assistant",
			Content:    msg.Content,
			ID:         msg.ID,
			Importance: msg.Importance,
			CreatedAt:  msg.CreatedAt,
		})
	}
	return out
}

// passB drops any tool message whose tool_call_id doesn't match a
// tool_calls entry on a preceding assistant message.
func (s *Sanitizer) passB(messages []providers.Message) []providers.Message {
	known := make(map[string]bool)
	for _, msg := range messages {
		if msg.Role == "assistant" {
			for _, tc := range msg.ToolCalls {
				if tc.ID != "" {
					known[tc.ID] = true
				}
			}
		}
	}

	out := make([]providers.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "tool" && !known[msg.ToolCallID] {
			s.debug("passB: dropping orphaned tool result", map[string]any{"tool_call_id": msg.ToolCallID})
			continue
		}
		out = append(out, msg)
	}
	return out
}

const toolResultUserPrefix = "Tool Result (ID: %s):\n%s"

// EnforceAlternation prepares messages for the outgoing request only — it
// never touches the stored log. When supportsToolRole is false, tool
// messages are rewritten to role=user (with an ID-bearing prefix) and the
// preceding assistant's tool_calls are stripped so neither side dangles.
// Afterward, consecutive same-role messages are merged by concatenation,
// except that consecutive tool messages are never merged (they are the one
// case the spec requires to stay side by side and separate).
func (s *Sanitizer) EnforceAlternation(messages []providers.Message, supportsToolRole bool) []providers.Message {
	rewritten := messages
	if !supportsToolRole {
		rewritten = s.rewriteToolsAsUser(messages)
	}
	return mergeConsecutiveSameRole(rewritten)
}

func (s *Sanitizer) rewriteToolsAsUser(messages []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(messages))
	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			out = append(out, providers.Message{
				Role:       "assistant",
				Content:    msg.Content,
				ID:         msg.ID,
				Importance: msg.Importance,
				CreatedAt:  msg.CreatedAt,
			})
			continue
		}
		if msg.Role == "tool" {
			out = append(out, providers.Message{
				Role:      "user",
				Content:   fmt.Sprintf(toolResultUserPrefix, msg.ToolCallID, msg.Content),
				CreatedAt: msg.CreatedAt,
			})
			continue
		}
		out = append(out, msg)
	}
	return out
}

func mergeConsecutiveSameRole(messages []providers.Message) []providers.Message {
	if len(messages) == 0 {
		return messages
	}

	out := make([]providers.Message, 0, len(messages))
	out = append(out, messages[0])

	for _, msg := range messages[1:] {
		last := &out[len(out)-1]
		if msg.Role == last.Role && msg.Role != "tool" && last.ToolCallID == "" && msg.ToolCallID == "" {
			last.Content = last.Content + "\n\n" + msg.Content
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (s *Sanitizer) debug(message string, fields map[string]any) {
	if s.log == nil {
		return
	}
	s.log.Debug("history", message, fields)
}
