// Package interrupt implements the Interrupt Controller (C10):
// non-blocking ESC detection during streaming and a poll/clear flag the
// orchestrator consults between tools. Grounded on the non-blocking
// signal-poll pattern in goadesign-goa-ai's runtime/agent/interrupt
// Controller.PollPause (drain a channel without blocking, never error on
// "nothing there yet"), adapted from Temporal signal channels to a
// pluggable non-blocking keyboard source.
package interrupt

import "sync/atomic"

// escByte is the byte a terminal sends for the ESC key.
const escByte = 0x1B

// KeyboardSource is the capability the host environment provides: a way
// to read currently-buffered input without blocking. Implementations
// must return immediately with ok=false when nothing is available (e.g.
// a raw-mode terminal reader backed by a non-blocking fd, or a test
// double backed by a slice).
type KeyboardSource interface {
	ReadNonBlocking() (b byte, ok bool)
}

// Controller tracks the interrupt_pending flag the spec's orchestrator
// polls between streaming chunks and between tool executions.
type Controller struct {
	source  KeyboardSource
	pending atomic.Bool
}

func NewController(source KeyboardSource) *Controller {
	return &Controller{source: source}
}

// PollDuringStream drains every byte currently buffered on the keyboard
// source (never blocking) and sets interrupt_pending if an ESC was among
// them. Safe to call once per streaming chunk.
func (c *Controller) PollDuringStream() {
	if c == nil || c.source == nil {
		return
	}
	for {
		b, ok := c.source.ReadNonBlocking()
		if !ok {
			return
		}
		if b == escByte {
			c.pending.Store(true)
		}
	}
}

// Trigger sets interrupt_pending directly, for interrupt sources other
// than the keyboard (a UI cancel button, a signal handler) that the host
// wires in without going through KeyboardSource.
func (c *Controller) Trigger() {
	if c == nil {
		return
	}
	c.pending.Store(true)
}

// Poll reports whether an interrupt is pending, without clearing it. The
// orchestrator calls this at S1 and between every tool execution.
func (c *Controller) Poll() bool {
	if c == nil {
		return false
	}
	return c.pending.Load()
}

// Clear resets interrupt_pending after the orchestrator has injected the
// interrupt message into the session.
func (c *Controller) Clear() {
	if c == nil {
		return
	}
	c.pending.Store(false)
}
