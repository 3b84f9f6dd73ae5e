package engine

import (
	"context"
)

// Executor runs one action against the session's current target.
// Implementations classify their own failures: expected failures (such as a
// command exiting non-zero) are returned as domain errors, anything else is a fault.
// The returned ActionResult is recorded even when an error is returned.
type Executor interface {
	Execute(ctx context.Context, s *Session, action Action) (ActionResult, error)
}

// Recorder collects action results for the current scope.
type Recorder interface {
	// Record appends an action result.
	Record(result ActionResult)

	// Results returns the recorded results in order.
	Results() []ActionResult
}

// ComputeService creates new targets.
// Retry and partial-provisioning policy belong to the implementation.
type ComputeService interface {
	CreateNodes(ctx context.Context, spec NodeSpec, user User, count int, opts CreateOptions) ([]Target, error)
}
