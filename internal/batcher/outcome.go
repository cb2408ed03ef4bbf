// Package batcher groups submitted work items into size- or time-bounded
// batches and dispatches them to a pluggable backend under a concurrency cap.
package batcher

import (
	"context"
	"errors"
)

// Errors returned by the batcher package.
var (
	// ErrQueueFull is returned inside a rejected outcome when the admission
	// queue is at or over its rejection threshold.
	ErrQueueFull = errors.New("batcher: admission queue over rejection threshold")
	// ErrClosed is returned inside a rejected outcome when submitting to a
	// stopped batcher.
	ErrClosed = errors.New("batcher: batcher is closed")
)

// WorkItem is an opaque unit of work. Items are tracked positionally within
// their batch and are never required to be comparable.
type WorkItem any

// OutcomeKind identifies a point in an item's lifecycle.
type OutcomeKind string

const (
	// OutcomeAccepted means the item was admitted and queued.
	OutcomeAccepted OutcomeKind = "accepted"
	// OutcomeRejected means admission was refused synchronously.
	OutcomeRejected OutcomeKind = "rejected"
	// OutcomeSucceeded means the item's batch dispatched and this item succeeded.
	OutcomeSucceeded OutcomeKind = "succeeded"
	// OutcomeFailed means the item's batch dispatched and this item failed.
	OutcomeFailed OutcomeKind = "failed"
)

// Outcome describes the state of a submitted item. Every accepted item
// resolves to exactly one of Succeeded or Failed; rejection is synchronous
// and final.
type Outcome struct {
	Kind OutcomeKind
	// Err carries the rejection reason or the per-item failure.
	Err error
}

// Accepted returns an accepted outcome.
func Accepted() Outcome { return Outcome{Kind: OutcomeAccepted} }

// Rejected returns a rejected outcome with the given reason.
func Rejected(reason error) Outcome { return Outcome{Kind: OutcomeRejected, Err: reason} }

// Succeeded returns a succeeded outcome.
func Succeeded() Outcome { return Outcome{Kind: OutcomeSucceeded} }

// Failed returns a failed outcome with the given error.
func Failed(err error) Outcome { return Outcome{Kind: OutcomeFailed, Err: err} }

// OK reports whether the outcome is accepted or succeeded.
func (o Outcome) OK() bool {
	return o.Kind == OutcomeAccepted || o.Kind == OutcomeSucceeded
}

// CompletionFunc is invoked exactly once when an accepted item resolves.
type CompletionFunc func(item WorkItem, outcome Outcome)

// Result holds per-item dispatch results, keyed by the item's position in the
// batch. Positions absent from Failed succeeded.
type Result struct {
	Failed map[int]error
}

// Backend executes a sealed batch. A returned error fails every item in the
// batch; a nil error with per-position failures in Result is a partial
// success, which is a first-class outcome.
type Backend interface {
	Dispatch(ctx context.Context, items []WorkItem) (Result, error)
}

// BackendFunc adapts a function into a Backend.
type BackendFunc func(ctx context.Context, items []WorkItem) (Result, error)

// Dispatch implements Backend.
func (f BackendFunc) Dispatch(ctx context.Context, items []WorkItem) (Result, error) {
	return f(ctx, items)
}
