package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/loopwright/agentcore/pkg/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_UsesErrorTypeWhenSet(t *testing.T) {
	assert.Equal(t, ClassRateLimit, Classify(providers.ErrorRateLimit, ""))
	assert.Equal(t, ClassServerError, Classify(providers.ErrorServer, ""))
	assert.Equal(t, ClassTokenLimitExceeded, Classify(providers.ErrorTokenLimitExceeded, ""))
	assert.Equal(t, ClassMalformedToolJSON, Classify(providers.ErrorMalformedToolJSON, ""))
	assert.Equal(t, ClassMessageStructure, Classify(providers.ErrorMessageStructure, ""))
	assert.Equal(t, ClassNonRetryable, Classify(providers.ErrorAuth, ""))
}

func TestClassify_FallsBackToMessageSubstrings(t *testing.T) {
	assert.Equal(t, ClassRateLimit, Classify(providers.ErrorOther, "HTTP 429 rate limit hit"))
	assert.Equal(t, ClassServerError, Classify(providers.ErrorOther, "upstream returned 503"))
	assert.Equal(t, ClassNonRetryable, Classify(providers.ErrorOther, "completely opaque failure"))
}

func TestHandle_MalformedToolJSON_FirstThenSecondAttempt(t *testing.T) {
	p := NewPolicy()
	d1 := p.Handle(ClassMalformedToolJSON, "bad json", 0)
	require.True(t, d1.Retryable)
	assert.Contains(t, d1.Actions, ActionAppendSchemaNote)

	// The second straight failure is still non-terminal: it falls back to
	// a recovery note and keeps the loop going rather than ending the
	// request, per spec §4.9's "if the retry also fails ... continue the
	// loop".
	d2 := p.Handle(ClassMalformedToolJSON, "bad json again", 0)
	require.True(t, d2.Retryable)
	require.Empty(t, d2.TerminalReason)
	assert.Contains(t, d2.Actions, ActionAppendRecoveryNote)
	assert.Equal(t, 0, p.attempts[ClassMalformedToolJSON])
}

func TestHandle_MalformedToolJSON_NeverTerminatesOnItsOwn(t *testing.T) {
	// Distinct messages per call so the consecutive-identical-error
	// breaker (an unrelated circuit breaker) doesn't also trip; this
	// isolates the malformed_tool_json class's own budget handling.
	p := NewPolicy()
	for i := 0; i < 6; i++ {
		msg := fmt.Sprintf("bad json #%d", i)
		d := p.Handle(ClassMalformedToolJSON, msg, 0)
		require.Truef(t, d.Retryable, "iteration %d should stay retryable", i)
		require.Emptyf(t, d.TerminalReason, "iteration %d should not be terminal", i)
	}
}

func TestHandle_TokenLimitExceeded_InvokesLadder(t *testing.T) {
	p := NewPolicy()
	d := p.Handle(ClassTokenLimitExceeded, "too many tokens", 0)
	require.True(t, d.Retryable)
	assert.Contains(t, d.Actions, ActionInvokeTrimLadder)
}

func TestHandle_ServerError_ExponentialBackoff(t *testing.T) {
	p := NewPolicy()
	d1 := p.Handle(ClassServerError, "500", 0)
	assert.Equal(t, 2*time.Second, d1.Backoff)

	p2 := NewPolicy()
	p2.attempts[ClassServerError] = 2
	d3 := p2.Handle(ClassServerError, "500", 0)
	assert.Equal(t, 8*time.Second, d3.Backoff)
}

func TestHandle_RateLimit_HonorsRetryAfter(t *testing.T) {
	p := NewPolicy()
	d := p.Handle(ClassRateLimit, "rate limited", 30)
	assert.Equal(t, 30*time.Second, d.Backoff)
	assert.Contains(t, d.Actions, ActionHonorRetryAfter)
}

func TestHandle_RateLimit_FallsBackToBackoffWithoutRetryAfter(t *testing.T) {
	p := NewPolicy()
	d := p.Handle(ClassRateLimit, "rate limited", 0)
	assert.Equal(t, 2*time.Second, d.Backoff)
	assert.Contains(t, d.Actions, ActionExponentialBackoff)
}

func TestHandle_NonRetryable_NeverTerminalOnItsOwn(t *testing.T) {
	p := NewPolicy()
	d := p.Handle(ClassNonRetryable, "opaque error", 0)
	assert.True(t, d.Retryable)
	assert.Contains(t, d.Actions, ActionRemoveLastAssistant)
	assert.Contains(t, d.Actions, ActionAppendUserNote)
}

func TestHandle_PerClassBudgetExhausted(t *testing.T) {
	p := NewPolicy()
	// Distinct messages so the consecutive-identical-error breaker doesn't
	// trip first; this isolates the per-class budget.
	for i := 0; i < 3; i++ {
		d := p.Handle(ClassMessageStructure, fmt.Sprintf("struct err %d", i), 0)
		require.True(t, d.Retryable, "attempt %d", i+1)
	}
	d := p.Handle(ClassMessageStructure, "struct err 3", 0)
	assert.False(t, d.Retryable)
	assert.Contains(t, d.TerminalReason, "retry budget")
}

func TestHandle_SessionErrorBudgetExceeded(t *testing.T) {
	p := NewPolicy()
	// Vary the class/message each time so neither the per-class budget
	// nor the identical-error breaker trips before the session budget.
	classes := []Class{ClassServerError, ClassRateLimit}
	for i := 0; i < sessionErrorBudget; i++ {
		class := classes[i%2]
		d := p.Handle(class, "varying error "+string(rune('a'+i)), 0)
		require.True(t, d.Retryable, "attempt %d should not yet exceed session budget", i+1)
	}
	d := p.Handle(ClassServerError, "one more", 0)
	assert.False(t, d.Retryable)
	assert.Contains(t, d.TerminalReason, "session error budget")
}

func TestHandle_ConsecutiveIdenticalErrorsBreaksLoop(t *testing.T) {
	p := NewPolicy()
	for i := 0; i < 3; i++ {
		d := p.Handle(ClassServerError, "same error", 0)
		require.True(t, d.Retryable)
	}
	d := p.Handle(ClassServerError, "same error", 0)
	assert.False(t, d.Retryable)
	assert.Contains(t, d.TerminalReason, "identical")
}

func TestResetAttempts_ClearsPerClassBudgetAndIdenticalCounter(t *testing.T) {
	p := NewPolicy()
	p.Handle(ClassMessageStructure, "x", 0)
	p.Handle(ClassMessageStructure, "x", 0)
	p.Handle(ClassMessageStructure, "x", 0)
	p.ResetAttempts()

	d := p.Handle(ClassMessageStructure, "x", 0)
	assert.True(t, d.Retryable)
}

func TestServerBackoff_DoublesEachAttempt(t *testing.T) {
	assert.Equal(t, 2*time.Second, ServerBackoff(1))
	assert.Equal(t, 4*time.Second, ServerBackoff(2))
	assert.Equal(t, 8*time.Second, ServerBackoff(3))
}

func TestPace_ReturnsImmediatelyForZeroBackoff(t *testing.T) {
	err := Pace(context.Background(), 0)
	assert.NoError(t, err)
}

func TestPace_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Pace(ctx, time.Second)
	assert.Error(t, err)
}
