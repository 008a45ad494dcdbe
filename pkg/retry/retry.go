// Package retry implements the Retry Policy (C9): it maps a provider
// error to a recovery strategy, enforces per-class retry budgets, a
// session-wide error budget, and a consecutive-identical-error circuit
// breaker, grounded on the teacher's pkg/agent/errors.go (user-facing
// message mapping) and ratelimit.go (sliding-window limiting, here
// generalized to token-bucket backoff pacing via golang.org/x/time/rate).
package retry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loopwright/agentcore/pkg/providers"
)

// Class names one of the spec's error classes.
type Class string

const (
	ClassMalformedToolJSON  Class = "malformed_tool_json"
	ClassTokenLimitExceeded Class = "token_limit_exceeded"
	ClassServerError        Class = "server_error"
	ClassRateLimit          Class = "rate_limit"
	ClassMessageStructure   Class = "message_structure_error"
	ClassNonRetryable       Class = "non_retryable"
)

// classBudgets gives each retryable class's retry limit (spec §4.9 table).
// ClassNonRetryable has no entry: it is never retried, but it is also
// never terminal on its own — it always performs its fixed strategy and
// lets the loop continue.
var classBudgets = map[Class]int{
	ClassMalformedToolJSON:  1,
	ClassTokenLimitExceeded: 3,
	ClassServerError:        20,
	ClassRateLimit:          20,
	ClassMessageStructure:   3,
}

// sessionErrorBudget is the per-request cap on total errors of any class.
const sessionErrorBudget = 10

// consecutiveIdenticalLimit breaks the loop after this many identical
// error strings in a row, to avoid oscillation.
const consecutiveIdenticalLimit = 3

// Action names one recovery step the orchestrator must perform in
// addition to looping. Several classes combine more than one.
type Action string

const (
	ActionRemoveLastAssistant Action = "remove_last_assistant"
	ActionAppendSchemaNote    Action = "append_schema_note"
	ActionAppendRecoveryNote  Action = "append_recovery_note"
	ActionInvokeTrimLadder    Action = "invoke_trim_ladder"
	ActionExponentialBackoff  Action = "exponential_backoff"
	ActionHonorRetryAfter     Action = "honor_retry_after"
	ActionReloadHistory       Action = "reload_history"
	ActionAppendUserNote      Action = "append_user_note"
)

// Decision is what the orchestrator must do in response to one error.
type Decision struct {
	Class   Class
	Actions []Action
	// Backoff is a non-zero wait the orchestrator should honor (via Pace)
	// before its next provider call, for server_error/rate_limit classes.
	Backoff time.Duration
	// Retryable mirrors spec §4.11 S3: true means "continue to S1", false
	// means "terminate the request".
	Retryable bool
	// TerminalReason carries the explanatory reason when Retryable is false.
	TerminalReason string
	// Attempt is this class's 1-indexed attempt count after recording the
	// current error; ActionInvokeTrimLadder consumers pass it straight to
	// history.Trimmer.Ladder.
	Attempt int
}

// Policy tracks per-class attempt counts, the session error budget, and
// the consecutive-identical-error detector for one in-flight request. A
// fresh Policy should be created per orchestrator request (reset on
// success per iteration via ResetAttempts, per the spec's "per-iteration
// attempt counter reset on success").
type Policy struct {
	mu                   sync.Mutex
	attempts             map[Class]int
	sessionErrors        int
	lastErrorString      string
	consecutiveIdentical int
}

func NewPolicy() *Policy {
	return &Policy{attempts: make(map[Class]int)}
}

// ResetAttempts clears every class's attempt counter after a successful
// iteration, so a later error of the same class gets a fresh budget.
func (p *Policy) ResetAttempts() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = make(map[Class]int)
	p.consecutiveIdentical = 0
	p.lastErrorString = ""
}

// Classify maps a provider's ErrorType plus its raw message to a retry
// Class. ErrorType, when the adapter set it, is authoritative; message is
// used only as a fallback substring classifier for adapters that leave
// ErrorType as ErrorOther or empty — this is a deliberately coarse net,
// documented here rather than hidden, since opaque provider errors are
// common in practice.
func Classify(errType providers.ErrorType, message string) Class {
	switch errType {
	case providers.ErrorMalformedToolJSON:
		return ClassMalformedToolJSON
	case providers.ErrorTokenLimitExceeded:
		return ClassTokenLimitExceeded
	case providers.ErrorServer:
		return ClassServerError
	case providers.ErrorRateLimit:
		return ClassRateLimit
	case providers.ErrorMessageStructure:
		return ClassMessageStructure
	case providers.ErrorAuth:
		return ClassNonRetryable
	}
	return classifyFromMessage(message)
}

func classifyFromMessage(message string) Class {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		return ClassRateLimit
	case strings.Contains(lower, "context length") || strings.Contains(lower, "token") && strings.Contains(lower, "limit"):
		return ClassTokenLimitExceeded
	case strings.Contains(lower, "invalid json") || strings.Contains(lower, "malformed") && strings.Contains(lower, "tool"):
		return ClassMalformedToolJSON
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "overloaded"):
		return ClassServerError
	case strings.Contains(lower, "message") && strings.Contains(lower, "structure"):
		return ClassMessageStructure
	default:
		return ClassNonRetryable
	}
}

// Handle records one occurrence of class/message and returns the
// orchestrator's Decision. It is the session error budget, the per-class
// budget, and the consecutive-identical-error breaker rolled into one
// call so the orchestrator has a single decision point per error.
func (p *Policy) Handle(class Class, message string, retryAfterSeconds int) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sessionErrors++
	if p.sessionErrors > sessionErrorBudget {
		return Decision{Class: class, TerminalReason: "session error budget exceeded"}
	}

	if message != "" && message == p.lastErrorString {
		p.consecutiveIdentical++
	} else {
		p.consecutiveIdentical = 1
		p.lastErrorString = message
	}
	if p.consecutiveIdentical > consecutiveIdenticalLimit {
		return Decision{Class: class, TerminalReason: "consecutive identical errors"}
	}

	if class == ClassNonRetryable {
		return Decision{
			Class:     class,
			Actions:   []Action{ActionRemoveLastAssistant, ActionAppendUserNote},
			Retryable: true,
		}
	}

	budget := classBudgets[class]
	p.attempts[class]++
	attempt := p.attempts[class]

	// malformed_tool_json never ends the request on its own: a second
	// straight failure is explicitly non-terminal per spec §4.9 ("if the
	// retry also fails ... reset attempt counter; continue the loop") —
	// it falls back to a recovery note and keeps going, relying on the
	// session error budget and the consecutive-identical breaker above to
	// catch a genuinely runaway model.
	if class == ClassMalformedToolJSON {
		if attempt > budget {
			p.attempts[class] = 0
			return Decision{
				Class:     class,
				Actions:   []Action{ActionRemoveLastAssistant, ActionAppendRecoveryNote},
				Retryable: true,
				Attempt:   attempt,
			}
		}
		return Decision{
			Class:     class,
			Actions:   []Action{ActionRemoveLastAssistant, ActionAppendSchemaNote},
			Retryable: true,
			Attempt:   attempt,
		}
	}

	if attempt > budget {
		return Decision{
			Class:          class,
			TerminalReason: fmt.Sprintf("%s retry budget (%d) exhausted", class, budget),
		}
	}

	switch class {
	case ClassTokenLimitExceeded:
		return Decision{Class: class, Actions: []Action{ActionInvokeTrimLadder}, Retryable: true, Attempt: attempt}

	case ClassServerError:
		return Decision{
			Class:     class,
			Actions:   []Action{ActionExponentialBackoff},
			Backoff:   ServerBackoff(attempt),
			Retryable: true,
			Attempt:   attempt,
		}

	case ClassRateLimit:
		if retryAfterSeconds > 0 {
			return Decision{
				Class:     class,
				Actions:   []Action{ActionHonorRetryAfter},
				Backoff:   time.Duration(retryAfterSeconds) * time.Second,
				Retryable: true,
				Attempt:   attempt,
			}
		}
		return Decision{
			Class:     class,
			Actions:   []Action{ActionExponentialBackoff},
			Backoff:   ServerBackoff(attempt),
			Retryable: true,
			Attempt:   attempt,
		}

	case ClassMessageStructure:
		return Decision{Class: class, Actions: []Action{ActionReloadHistory}, Retryable: true, Attempt: attempt}
	}

	return Decision{Class: class, TerminalReason: "unhandled error class"}
}

// ServerBackoff is the exponential backoff schedule for server_error and
// the rate_limit fallback: 2s × 2^(attempt-1).
func ServerBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return 2 * time.Second * time.Duration(1<<uint(attempt-1))
}

// Pace blocks for backoff, honoring ctx cancellation (so an interrupt can
// cut a backoff sleep short). It uses a single-token rate.Limiter rather
// than time.Sleep so the wait composes with context deadlines the same
// way every other suspension point in the orchestrator does.
func Pace(ctx context.Context, backoff time.Duration) error {
	if backoff <= 0 {
		return nil
	}
	limiter := rate.NewLimiter(rate.Every(backoff), 1)
	limiter.Allow()
	return limiter.Wait(ctx)
}
