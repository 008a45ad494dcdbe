package session

import (
	"testing"

	"github.com/loopwright/agentcore/pkg/providers"
)

func TestScanIntegrity_CleanLogHasNoIssues(t *testing.T) {
	messages := []providers.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "c1", Name: "grep"}}},
		{Role: "tool", ToolCallID: "c1", Content: "result"},
		{Role: "assistant", Content: "done"},
	}
	issues := ScanIntegrityOf(messages)
	if len(issues) != 0 {
		t.Fatalf("expected no issues, got %+v", issues)
	}
}

func TestScanIntegrity_DetectsOrphanedToolCall(t *testing.T) {
	messages := []providers.Message{
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "c1", Name: "grep"}}},
		{Role: "user", Content: "next turn"},
	}
	issues := ScanIntegrityOf(messages)
	if len(issues) != 1 || issues[0].Kind != IssueOrphanedToolCall {
		t.Fatalf("issues=%+v", issues)
	}
}

func TestScanIntegrity_DetectsOrphanedToolResult(t *testing.T) {
	messages := []providers.Message{
		{Role: "tool", ToolCallID: "ghost", Content: "result"},
	}
	issues := ScanIntegrityOf(messages)
	if len(issues) != 1 || issues[0].Kind != IssueOrphanedToolResult {
		t.Fatalf("issues=%+v", issues)
	}
}

func TestScanIntegrity_DetectsDuplicateCallID(t *testing.T) {
	messages := []providers.Message{
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "dup", Name: "grep"}}},
		{Role: "tool", ToolCallID: "dup", Content: "r1"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "dup", Name: "read"}}},
		{Role: "tool", ToolCallID: "dup", Content: "r2"},
	}
	issues := ScanIntegrityOf(messages)
	found := false
	for _, issue := range issues {
		if issue.Kind == IssueDuplicateCallID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected duplicate call id issue, got %+v", issues)
	}
}

func TestScanIntegrity_ViaStore(t *testing.T) {
	sm := NewSessionManager("")
	key := "s1"
	sm.GetOrCreate(key)
	sm.Append(key, providers.Message{Role: "tool", ToolCallID: "ghost", Content: "x"})

	issues := sm.ScanIntegrity(key)
	if len(issues) != 1 || issues[0].Kind != IssueOrphanedToolResult {
		t.Fatalf("issues=%+v", issues)
	}
}
