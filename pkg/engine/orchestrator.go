package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/groundwork/pkg/telemetry"
)

// liftAbortFailed is the message of the aggregated failure raised by LiftAbortOnError.
const liftAbortFailed = "lift-abort-on-error failed"

// runState is threaded through the phases of one multi-phase run.
type runState struct {
	RunID     string
	Completed []string
}

// LiftAbortOnError lifts phases one after another.
//
// The run keeps going while every target succeeds. It stops gracefully, with a
// nil error, after the first phase in which any target ended with a domain
// error. It aborts after the first phase in which any target faulted: the
// returned *PhaseError carries the results of every phase run so far,
// including the failing phase's partial results.
//
// Results are concatenated in phase order. The run ID already in ctx, if
// any, tags logs and spans; otherwise a new one is generated.
func (e *Engine) LiftAbortOnError(ctx context.Context, template *Session, phases []TargetPhase) ([]PhaseResult, error) {
	runID := telemetry.RunIDFromContext(ctx)
	if runID == "" {
		runID = uuid.New().String()
		ctx = telemetry.WithRunID(ctx, runID)
	}

	ctx, span := e.tracer.Start(ctx, "lift.abort_on_error", trace.WithAttributes(
		telemetry.AttrRunID.String(runID),
		attribute.Int("phases", len(phases)),
	))
	defer span.End()

	logger := log.With().Str("run_id", runID).Logger()
	logger.Info().Int("phases", len(phases)).Msg("starting multi-phase lift")
	startTime := time.Now()

	steps := make([]Step[runState, []PhaseResult], len(phases))
	for i, phase := range phases {
		steps[i] = e.liftStep(template, phase)
	}

	batches, err := SynchPhases(ctx, steps, runState{RunID: runID})

	var results []PhaseResult
	for _, batch := range batches {
		results = append(results, batch...)
	}
	if results == nil {
		results = make([]PhaseResult, 0)
	}

	if err != nil {
		failure := &PhaseError{
			Message: liftAbortFailed,
			Results: results,
			Cause:   err,
		}
		if pe, ok := AsPhaseError(err); ok {
			failure.Exceptions = pe.Exceptions
			failure.Cause = pe.Cause
		} else {
			failure.Exceptions = []error{err}
		}

		telemetry.RecordError(span, failure)
		logger.Error().
			Err(failure.Cause).
			Int("phases_run", len(batches)).
			Dur("duration", time.Since(startTime)).
			Msg("multi-phase lift aborted")
		return results, failure
	}

	if errs := Errors(results); len(errs) > 0 {
		logger.Warn().
			Int("domain_errors", len(errs)).
			Int("phases_run", len(batches)).
			Dur("duration", time.Since(startTime)).
			Msg("multi-phase lift stopped on domain errors")
	} else {
		logger.Info().
			Int("phases_run", len(batches)).
			Dur("duration", time.Since(startTime)).
			Msg("multi-phase lift completed")
	}
	telemetry.RecordSuccess(span)

	return results, nil
}

// liftStep builds the pipeline step lifting one phase.
func (e *Engine) liftStep(template *Session, phase TargetPhase) Step[runState, []PhaseResult] {
	return Step[runState, []PhaseResult]{
		Name: phase.ResultID,
		Op: func(ctx context.Context, state runState) ([]PhaseResult, error) {
			log.Debug().
				Str("run_id", state.RunID).
				Strs("completed", state.Completed).
				Str("phase", phase.ResultID).
				Msg("lifting next phase")
			return e.LiftPhase(ctx, template, phase)
		},
		StateUpdate: func(_ []PhaseResult, state runState) runState {
			completed := make([]string, len(state.Completed), len(state.Completed)+1)
			copy(completed, state.Completed)
			state.Completed = append(completed, phase.ResultID)
			return state
		},
		Flow: func(results []PhaseResult, err error, _ []Step[runState, []PhaseResult]) ([]Step[runState, []PhaseResult], bool) {
			if err != nil {
				return nil, false
			}
			if len(Errors(results)) > 0 {
				return nil, false
			}
			return nil, true
		},
	}
}
