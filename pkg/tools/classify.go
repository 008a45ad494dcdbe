package tools

import (
	"context"
	"sync"
	"time"

	"github.com/loopwright/agentcore/pkg/providers"
)

// ToolExecution captures one tool call's outcome plus how long it took.
type ToolExecution struct {
	ToolCall   providers.ToolCall
	Result     *ToolResult
	DurationMS int64
}

// Classify splits calls into the four ordered groups spec §4.11 S6
// requires: blocking tools must finish before anything else proceeds,
// serial tools never run two-at-once, parallel tools may run concurrently
// with each other, and interactive tools (user_collaboration and the
// like) always run last so their prompt reflects already-completed work.
// A call whose tool isn't found in the registry is still surfaced (as a
// serial call) so Execute can produce its NotFound error result — it must
// not be silently dropped.
func Classify(calls []providers.ToolCall, registry *Registry) (blocking, serial, parallel, interactive []providers.ToolCall) {
	for _, c := range calls {
		d, ok := registry.Descriptor(c.Name)
		if !ok {
			serial = append(serial, c)
			continue
		}
		switch {
		case d.Interactive:
			interactive = append(interactive, c)
		case d.Blocking:
			blocking = append(blocking, c)
		case d.Serial:
			serial = append(serial, c)
		default:
			parallel = append(parallel, c)
		}
	}
	return
}

// OrderedExecutionOptions configures ExecuteOrdered.
type OrderedExecutionOptions struct {
	MaxConcurrency int
	// PollInterrupt is consulted between every tool (and before the
	// parallel batch); returning true aborts all remaining calls for
	// this iteration without executing them.
	PollInterrupt func() bool
}

// ExecuteOrdered runs calls through Classify and executes each group in
// the required order, returning results in that same order: blocking,
// then serial, then parallel (concurrently among themselves, output
// re-sorted to the parallel group's original relative order), then
// interactive.
func (e *Executor) ExecuteOrdered(ctx context.Context, calls []providers.ToolCall, sess SessionContext, opts OrderedExecutionOptions) []ToolExecution {
	blocking, serial, parallel, interactive := Classify(calls, e.Registry)

	var out []ToolExecution
	aborted := false

	shouldAbort := func() bool {
		if aborted {
			return true
		}
		if opts.PollInterrupt != nil && opts.PollInterrupt() {
			aborted = true
		}
		return aborted
	}

	runOne := func(c providers.ToolCall) {
		start := time.Now()
		res := e.Execute(ctx, c, sess)
		out = append(out, ToolExecution{ToolCall: c, Result: res, DurationMS: time.Since(start).Milliseconds()})
	}

	for _, c := range blocking {
		if shouldAbort() {
			return out
		}
		runOne(c)
	}

	for _, c := range serial {
		if shouldAbort() {
			return out
		}
		runOne(c)
	}

	if len(parallel) > 0 && !shouldAbort() {
		out = append(out, e.runParallel(ctx, parallel, sess, opts.MaxConcurrency)...)
	}

	for _, c := range interactive {
		if shouldAbort() {
			return out
		}
		runOne(c)
	}

	return out
}

// runParallel dispatches calls to a capped worker pool, writing results
// into a slice pre-sized by index so output order matches input order
// regardless of completion order — the same bounded worker-pool shape the
// teacher's tool-call batch executor uses.
func (e *Executor) runParallel(ctx context.Context, calls []providers.ToolCall, sess SessionContext, maxConcurrency int) []ToolExecution {
	results := make([]ToolExecution, len(calls))

	maxConc := maxConcurrency
	if maxConc <= 0 || maxConc > len(calls) {
		maxConc = len(calls)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < maxConc; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				start := time.Now()
				res := e.Execute(ctx, calls[idx], sess)
				results[idx] = ToolExecution{ToolCall: calls[idx], Result: res, DurationMS: time.Since(start).Milliseconds()}
			}
		}()
	}
	for i := range calls {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}
