// Package step defines the contract between the workflow executor and the
// units of work it runs, plus the registry that resolves template type tags
// to implementations.
package step

import (
	"context"

	"conveyor/internal/pipeline"
)

// Step is one runnable unit of work. Implementations are registered once at
// daemon startup and must be safe for concurrent use; per-invocation state
// belongs in the execution context, not on the step.
type Step interface {
	// ValidateConfig checks a template node's config block at load time so
	// that malformed templates fail before any execution starts.
	ValidateConfig(config map[string]any) error

	// Execute runs the step against the execution context. A non-nil error
	// is an infrastructure failure and is treated like a retryable failure
	// result; domain outcomes belong in the Result.
	Execute(ctx context.Context, execCtx *pipeline.Context, config map[string]any) (Result, error)
}

// Kind discriminates the four step outcomes.
type Kind string

const (
	KindSuccess Kind = "success"
	KindFailure Kind = "failure"
	KindSkip    Kind = "skip"
	KindPause   Kind = "pause"
)

// Result is the outcome of one step invocation. Exactly one kind applies.
// On success, Data merges into the execution context under the step's
// category; Jump redirects the walk to a named step and Halt stops the walk
// entirely, including remaining siblings and children.
type Result struct {
	Kind  Kind
	Data  map[string]any
	Jump  string
	Halt  bool
	Err   error
	Retry bool
	// Service names the external dependency behind a failure so the retry
	// strategy can consult its circuit breaker. Empty for local failures.
	Service string
	// Reason annotates pause and skip outcomes for operators.
	Reason string
}

// Success returns a plain success result carrying data to merge.
func Success(data map[string]any) Result {
	return Result{Kind: KindSuccess, Data: data}
}

// SuccessJump returns a success that redirects the walk to the named step.
func SuccessJump(data map[string]any, next string) Result {
	return Result{Kind: KindSuccess, Data: data, Jump: next}
}

// SuccessHalt returns a success that stops the walk, skipping all remaining
// siblings and children. Distinct from an empty Success, which continues.
func SuccessHalt(data map[string]any) Result {
	return Result{Kind: KindSuccess, Data: data, Halt: true}
}

// Skip marks the step as intentionally not applicable; the walk continues.
func Skip(reason string) Result {
	return Result{Kind: KindSkip, Reason: reason}
}

// Pause suspends the owning execution until an operator resumes it.
func Pause(reason string) Result {
	return Result{Kind: KindPause, Reason: reason}
}

// Fail reports a domain failure. retry hints whether the retry strategy
// should consider rescheduling.
func Fail(err error, retry bool) Result {
	return Result{Kind: KindFailure, Err: err, Retry: retry}
}

// FailExternal reports a failure attributed to a named external service.
// The attribution feeds the per-service circuit breaker.
func FailExternal(service string, err error, retry bool) Result {
	return Result{Kind: KindFailure, Err: err, Retry: retry, Service: service}
}
