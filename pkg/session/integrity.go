package session

import "github.com/loopwright/agentcore/pkg/providers"

// IntegrityIssue describes one invariant violation found by ScanIntegrity.
// ScanIntegrity only reports; fixing orphaned pairs is the History
// Sanitizer's job (pkg/history), which runs on a copy of the log before
// each outgoing request.
type IntegrityIssue struct {
	Kind       string `json:"kind"`
	MessageID  string `json:"message_id,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Detail     string `json:"detail"`
}

const (
	IssueOrphanedToolCall   = "orphaned_tool_call"
	IssueOrphanedToolResult = "orphaned_tool_result"
	IssueDuplicateCallID    = "duplicate_tool_call_id"
	IssueNonStringContent   = "tool_result_non_string_content"
)

// ScanIntegrity checks the invariants in the spec's "Invariants (must
// always hold after any append/trim)" list that are cheaply verifiable
// from the stored log alone: pair atomicity (1) and tool_call id
// uniqueness (5). No check is made for tool message content shape (6):
// Message.Content is always a Go string. It never mutates the session.
func (sm *SessionManager) ScanIntegrity(sessionKey string) []IntegrityIssue {
	messages := sm.Load(sessionKey)
	return ScanIntegrityOf(messages)
}

// ScanIntegrityOf runs the same checks as ScanIntegrity against an
// arbitrary message slice, so callers that already hold a history (e.g.
// the orchestrator mid-iteration) don't need a round trip through
// storage.
func ScanIntegrityOf(messages []providers.Message) []IntegrityIssue {
	var issues []IntegrityIssue

	seenCallIDs := make(map[string]bool)
	knownCallIDs := make(map[string]bool)

	for i, msg := range messages {
		switch msg.Role {
		case "assistant":
			if len(msg.ToolCalls) == 0 {
				continue
			}
			for _, tc := range msg.ToolCalls {
				if tc.ID == "" {
					continue
				}
				if seenCallIDs[tc.ID] {
					issues = append(issues, IntegrityIssue{
						Kind:       IssueDuplicateCallID,
						ToolCallID: tc.ID,
						Detail:     "tool_call id reused within the conversation",
					})
				}
				seenCallIDs[tc.ID] = true
				knownCallIDs[tc.ID] = true
			}

			present := make(map[string]bool)
			for j := i + 1; j < len(messages) && messages[j].Role == "tool"; j++ {
				present[messages[j].ToolCallID] = true
			}
			for _, tc := range msg.ToolCalls {
				if !present[tc.ID] {
					issues = append(issues, IntegrityIssue{
						Kind:       IssueOrphanedToolCall,
						MessageID:  msg.ID,
						ToolCallID: tc.ID,
						Detail:     "no following tool message answers this call",
					})
				}
			}
		case "tool":
			if !knownCallIDs[msg.ToolCallID] {
				issues = append(issues, IntegrityIssue{
					Kind:       IssueOrphanedToolResult,
					MessageID:  msg.ID,
					ToolCallID: msg.ToolCallID,
					Detail:     "tool_call_id does not match a preceding assistant tool_calls entry",
				})
			}
		}
	}

	return issues
}
