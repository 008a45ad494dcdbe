package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/loopwright/agentcore/pkg/providers"
)

// Append stamps msg with an ID and creation time (if unset) and appends it
// to the session's in-memory log. It does not flush to disk — callers that
// need the "saved before it can be lost" guarantee must call Save
// afterward. Append returns the stamped message so the caller can thread
// its generated ID into subsequent tool-result messages.
func (sm *SessionManager) Append(sessionKey string, msg providers.Message) providers.Message {
	stamped := stampMessage(msg)
	sm.AddFullMessage(sessionKey, stamped)
	return stamped
}

// AppendAtomic appends every message in msgs or none of them: it stamps and
// appends them all under a single lock, then immediately flushes to disk.
// If the flush fails the in-memory append is rolled back so storage and
// memory never disagree. Used for (assistant-with-tool_calls, tool_result,
// …) groups, where a crash between them would otherwise leave an orphaned
// tool_calls entry.
func (sm *SessionManager) AppendAtomic(sessionKey string, msgs []providers.Message) ([]providers.Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	stamped := make([]providers.Message, len(msgs))
	for i, m := range msgs {
		stamped[i] = stampMessage(m)
	}

	sm.mu.Lock()
	session, ok := sm.sessions[sessionKey]
	if !ok {
		session = &Session{Key: sessionKey, Messages: []providers.Message{}, Created: time.Now()}
		sm.sessions[sessionKey] = session
	}
	priorLen := len(session.Messages)
	session.Messages = append(session.Messages, stamped...)
	session.Updated = time.Now()
	sm.mu.Unlock()

	if err := sm.Save(sessionKey); err != nil {
		sm.mu.Lock()
		session.Messages = session.Messages[:priorLen]
		sm.mu.Unlock()
		return nil, err
	}

	return stamped, nil
}

// RemoveLastAssistantMessage drops the session's last message if (and only
// if) it is an assistant message, reporting whether it removed one. C9's
// ActionRemoveLastAssistant uses this so a failed attempt's assistant
// message doesn't linger into the next retry's outgoing list.
func (sm *SessionManager) RemoveLastAssistantMessage(sessionKey string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, ok := sm.sessions[sessionKey]
	if !ok || len(session.Messages) == 0 {
		return false
	}
	last := session.Messages[len(session.Messages)-1]
	if last.Role != "assistant" {
		return false
	}
	session.Messages = session.Messages[:len(session.Messages)-1]
	session.Updated = time.Now()
	return true
}

// Load returns a copy of the session's message log, preserving order.
func (sm *SessionManager) Load(sessionKey string) []providers.Message {
	return sm.GetHistory(sessionKey)
}

func stampMessage(msg providers.Message) providers.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}
	return msg
}

// IncrementErrorCount bumps the session's running error count and returns
// the new value. It is a record only: C9's retry.Policy enforces the
// session error budget with its own counter.
func (sm *SessionManager) IncrementErrorCount(sessionKey string) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, ok := sm.sessions[sessionKey]
	if !ok {
		return 0
	}
	session.ErrorCount++
	return session.ErrorCount
}

// ResetErrorCount zeroes the session's error count at the start of a new
// request.
func (sm *SessionManager) ResetErrorCount(sessionKey string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if session, ok := sm.sessions[sessionKey]; ok {
		session.ErrorCount = 0
	}
}

// SetInterrupted records (or clears) the session's interrupt flag.
func (sm *SessionManager) SetInterrupted(sessionKey string, interrupted bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if session, ok := sm.sessions[sessionKey]; ok {
		session.Interrupted = interrupted
	}
}

// IsInterrupted reports the session's current interrupt flag.
func (sm *SessionManager) IsInterrupted(sessionKey string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, ok := sm.sessions[sessionKey]
	return ok && session.Interrupted
}

// SetLastSnapshot records the identifier of the most recent mutation
// snapshot taken before a tool changed external state.
func (sm *SessionManager) SetLastSnapshot(sessionKey, snapshotID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if session, ok := sm.sessions[sessionKey]; ok {
		session.LastSnapshot = snapshotID
	}
}

// AddContextFile appends a user-added file path to be injected as an early
// user message on the session's next turn, if not already present.
func (sm *SessionManager) AddContextFile(sessionKey, path string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, ok := sm.sessions[sessionKey]
	if !ok {
		return
	}
	for _, existing := range session.ContextFiles {
		if existing == path {
			return
		}
	}
	session.ContextFiles = append(session.ContextFiles, path)
}

// ContextFiles returns the session's pending context file list.
func (sm *SessionManager) ContextFiles(sessionKey string) []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, ok := sm.sessions[sessionKey]
	if !ok {
		return nil
	}
	return append([]string(nil), session.ContextFiles...)
}

// ClearContextFiles empties the session's pending context file list, once
// the orchestrator has injected them into the outgoing request.
func (sm *SessionManager) ClearContextFiles(sessionKey string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if session, ok := sm.sessions[sessionKey]; ok {
		session.ContextFiles = nil
	}
}
