package interrupt

import "github.com/loopwright/agentcore/pkg/providers"

// noticeContent is what the orchestrator appends (as a user message, per
// spec §4.10 — it must be role=user, never a synthetic system message, to
// preserve alternation) after clearing a pending interrupt.
const noticeContent = "The user pressed ESC to interrupt. Stop what you were doing " +
	"and, on your next turn, invoke the user-collaboration tool to check in before continuing."

// Notice builds the user message the orchestrator persists via C6 after
// handling an interrupt.
func Notice() providers.Message {
	return providers.Message{Role: "user", Content: noticeContent}
}
