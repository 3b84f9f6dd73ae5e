package engine

import (
	"context"
	"time"
)

// DryRunExecutor records every action as skipped without running it.
type DryRunExecutor struct{}

// NewDryRunExecutor creates an executor that never touches a target.
func NewDryRunExecutor() *DryRunExecutor {
	return &DryRunExecutor{}
}

// Execute returns a skipped result for the action.
func (d *DryRunExecutor) Execute(ctx context.Context, s *Session, action Action) (ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return ActionResult{}, err
	}
	return ActionResult{
		Action:    action.Name,
		Kind:      action.Kind,
		Command:   action.Summary(),
		Status:    ActionStatusSkipped,
		StartedAt: time.Now(),
	}, nil
}
