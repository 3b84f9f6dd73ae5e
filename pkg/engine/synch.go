package engine

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Step is one stage of a sequential pipeline run by SynchPhases.
//
// S is the state threaded through the pipeline and R is the result each
// step produces. StateUpdate and Flow are optional.
type Step[S, R any] struct {
	// Name identifies the step in logs.
	Name string

	// Op runs the step against the current state.
	Op func(ctx context.Context, state S) (R, error)

	// StateUpdate derives the next state from the step result.
	StateUpdate func(result R, state S) S

	// Flow decides whether the pipeline proceeds after this step.
	// Steps returned in inject run before the remaining steps.
	Flow func(result R, err error, remaining []Step[S, R]) (inject []Step[S, R], proceed bool)
}

// SynchPhases runs steps strictly one after another, threading state through
// them, and returns every step result produced.
//
// When a step has no Flow, an error from its Op stops the pipeline. When Flow
// returns proceed=false the pipeline stops with the step's error, which may be
// nil. Cancellation of ctx is checked between steps.
func SynchPhases[S, R any](ctx context.Context, steps []Step[S, R], state S) ([]R, error) {
	results := make([]R, 0, len(steps))
	queue := append([]Step[S, R]{}, steps...)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			log.Debug().Err(err).Int("completed", len(results)).Msg("pipeline cancelled")
			return results, err
		}

		step := queue[0]
		queue = queue[1:]

		log.Debug().Str("step", step.Name).Int("remaining", len(queue)).Msg("running step")

		result, err := step.Op(ctx, state)
		if step.StateUpdate != nil {
			state = step.StateUpdate(result, state)
		}
		results = append(results, result)

		if step.Flow == nil {
			if err != nil {
				return results, err
			}
			continue
		}

		inject, proceed := step.Flow(result, err, queue)
		if !proceed {
			log.Debug().Str("step", step.Name).Msg("pipeline stopped by flow")
			return results, err
		}
		if len(inject) > 0 {
			queue = append(append([]Step[S, R]{}, inject...), queue...)
		}
	}

	return results, nil
}
