package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loopwright/agentcore/pkg/providers"
)

// Session is the append-only message log for one conversation key, plus the
// per-request bookkeeping C9 (retry policy) and C11 (orchestrator) consult
// across iterations.
type Session struct {
	Key      string              `json:"key"`
	Messages []providers.Message `json:"messages"`
	Created  time.Time           `json:"created"`
	Updated  time.Time           `json:"updated"`

	// ErrorCount is the running count of provider errors seen during the
	// current request, reset by the orchestrator at the start of each
	// request. The session error budget itself is enforced by C9's
	// retry.Policy, which keeps its own count and does not read this field.
	ErrorCount int `json:"error_count"`
	// LastSnapshot identifies the most recent mutation snapshot taken
	// before a tool was allowed to change external state.
	LastSnapshot string `json:"last_snapshot,omitempty"`
	// Interrupted is set when the orchestrator injects the interrupt
	// message after a user interrupt (ESC), and cleared at the start of the
	// next request.
	Interrupted bool `json:"interrupted,omitempty"`
	// ContextFiles are user-added file paths injected as an early user
	// message on the next turn.
	ContextFiles []string `json:"context_files,omitempty"`
}

// SessionManager owns the in-memory session map and its optional on-disk
// mirror. One session key maps to one append-only log; there is no
// multi-session-per-scope indexing — C6 (spec.md §4.6) is a flat store, not
// a session browser.
type SessionManager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	storage  string
}

func NewSessionManager(storage string) *SessionManager {
	sm := &SessionManager{
		sessions: make(map[string]*Session),
		storage:  storage,
	}

	if storage != "" {
		os.MkdirAll(storage, 0o755)
		sm.loadSessions()
	}

	return sm
}

func (sm *SessionManager) GetOrCreate(key string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, ok := sm.sessions[key]
	if ok {
		return session
	}

	session = &Session{
		Key:      key,
		Messages: []providers.Message{},
		Created:  time.Now(),
		Updated:  time.Now(),
	}
	sm.sessions[key] = session

	return session
}

// AddFullMessage appends a complete message, including any tool calls and
// tool call ID, to the session's log. Append (store.go) is the stamped,
// ID-generating entry point most callers want; this is its unstamped
// primitive.
func (sm *SessionManager) AddFullMessage(sessionKey string, msg providers.Message) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, ok := sm.sessions[sessionKey]
	if !ok {
		session = &Session{
			Key:      sessionKey,
			Messages: []providers.Message{},
			Created:  time.Now(),
		}
		sm.sessions[sessionKey] = session
	}

	session.Messages = append(session.Messages, msg)
	session.Updated = time.Now()
}

func (sm *SessionManager) GetHistory(key string) []providers.Message {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, ok := sm.sessions[key]
	if !ok {
		return []providers.Message{}
	}

	history := make([]providers.Message, len(session.Messages))
	copy(history, session.Messages)
	return history
}

// SetHistory replaces a session's message log wholesale, used by the
// orchestrator's escalating trim ladder (C8) once it has computed a reduced
// history that still fits the model's context window.
func (sm *SessionManager) SetHistory(key string, history []providers.Message) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, ok := sm.sessions[key]
	if ok {
		msgs := make([]providers.Message, len(history))
		copy(msgs, history)
		session.Messages = msgs
		session.Updated = time.Now()
	}
}

// sanitizeFilename converts a session key into a cross-platform safe
// filename. Keys may contain ':' (e.g. a scoped identifier like
// "workspace:42"), which is the volume separator on Windows, so
// filepath.Base would misinterpret the key; it's replaced with '_'. The
// original key is preserved inside the JSON file, so loadSessions still
// maps back to the right in-memory key.
func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}

func (sm *SessionManager) Save(key string) error {
	if sm.storage == "" {
		return nil
	}

	// Snapshot under read lock, then perform slow file I/O after unlock.
	sm.mu.RLock()
	stored, ok := sm.sessions[key]
	if !ok {
		sm.mu.RUnlock()
		return nil
	}

	snapshot := cloneSession(stored)
	sm.mu.RUnlock()

	return sm.writeSessionSnapshot(snapshot)
}

func (sm *SessionManager) loadSessions() error {
	files, err := os.ReadDir(sm.storage)
	if err != nil {
		return err
	}

	for _, file := range files {
		if file.IsDir() {
			continue
		}

		if filepath.Ext(file.Name()) != ".json" {
			continue
		}

		sessionPath := filepath.Join(sm.storage, file.Name())
		data, err := os.ReadFile(sessionPath)
		if err != nil {
			continue
		}

		var session Session
		if err := json.Unmarshal(data, &session); err != nil {
			continue
		}
		if session.Key == "" {
			continue
		}

		sm.sessions[session.Key] = &session
	}

	return nil
}

func cloneSession(stored *Session) Session {
	snapshot := Session{
		Key:     stored.Key,
		Created: stored.Created,
		Updated: stored.Updated,
	}
	if len(stored.Messages) > 0 {
		snapshot.Messages = make([]providers.Message, len(stored.Messages))
		copy(snapshot.Messages, stored.Messages)
	} else {
		snapshot.Messages = []providers.Message{}
	}
	return snapshot
}

func (sm *SessionManager) writeSessionSnapshot(snapshot Session) error {
	if sm.storage == "" {
		return nil
	}

	filename := sanitizeFilename(snapshot.Key)

	// filepath.IsLocal rejects empty names, "..", absolute paths, and
	// OS-reserved device names (NUL, COM1 … on Windows).
	// The extra checks reject "." and any directory separators so that
	// the session file is always written directly inside sm.storage.
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	sessionPath := filepath.Join(sm.storage, filename+".json")
	tmpFile, err := os.CreateTemp(sm.storage, "session-*.tmp")
	if err != nil {
		return err
	}

	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, sessionPath); err != nil {
		return err
	}
	cleanup = false
	return nil
}
