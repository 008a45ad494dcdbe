// Package tokencount approximates token counts for strings and message
// lists. It is a pure, stateless heuristic — no provider tokenizer is
// called, so the orchestrator never pays a network round trip just to
// decide whether to trim history.
package tokencount

import "github.com/loopwright/agentcore/pkg/providers"

// charsPerToken is the byte-length heuristic: roughly 4 characters per
// token for English-ish text, the same ratio the teacher's context
// builder budgets against (see pkg/agent/context.go's token estimates).
const charsPerToken = 4

// perMessageOverhead accounts for role/field framing the provider adds
// around each message that isn't present in its content alone.
const perMessageOverhead uint = 4

// Estimate approximates the token count of a string. It never
// underestimates a non-empty string to zero, and rounds up so short
// strings still cost at least one token.
func Estimate(text string) uint {
	if text == "" {
		return 0
	}
	n := uint(len(text))
	tokens := n / charsPerToken
	if n%charsPerToken != 0 {
		tokens++
	}
	return tokens
}

// EstimateMessages sums Estimate over each message's content plus a fixed
// per-message overhead, and also accounts for tool call argument text
// since that's content the provider has to re-read on the next turn.
func EstimateMessages(messages []providers.Message) uint {
	var total uint
	for _, m := range messages {
		total += Estimate(m.Content) + perMessageOverhead
		for _, tc := range m.ToolCalls {
			if tc.Function != nil {
				total += Estimate(tc.Function.Arguments)
			}
			total += Estimate(tc.Name)
		}
	}
	return total
}
