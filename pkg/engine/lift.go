package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/groundwork/pkg/telemetry"
)

// liftPhaseFailed is the message of the aggregated failure raised by LiftPhase.
const liftPhaseFailed = "lift-phase failed"

// LiftPhase runs one phase concurrently across every target of the phase.
//
// Each target gets its own session derived from template. Domain errors are
// captured into the target's PhaseResult. A fault does not cancel sibling
// targets: LiftPhase waits for every target and then, if any target faulted,
// returns all results together with a *PhaseError carrying the same results.
// Results are returned in the order the plans were submitted.
func (e *Engine) LiftPhase(ctx context.Context, template *Session, phase TargetPhase) ([]PhaseResult, error) {
	if template == nil {
		template = &Session{}
	}

	ctx, span := e.tracer.Start(ctx, "lift.phase", trace.WithAttributes(
		telemetry.AttrPhase.String(phase.ResultID),
		attribute.Int("targets", len(phase.Plans)),
	))
	defer span.End()

	logger := log.With().Str("phase", phase.ResultID).Logger()
	logger.Info().Int("targets", len(phase.Plans)).Msg("lifting phase")

	startTime := time.Now()
	results := make([]PhaseResult, len(phase.Plans))

	// Plain Group: a failing target must not cancel its siblings.
	var g errgroup.Group
	for i, plan := range phase.Plans {
		g.Go(func() error {
			results[i] = e.runPlan(ctx, template, plan, phase.ResultID)
			return results[i].Fault
		})
	}
	err := g.Wait()

	duration := time.Since(startTime)
	for _, r := range results {
		e.metrics.RecordTargetResult(r.Phase, string(r.Outcome()))
	}

	if err == nil {
		e.metrics.RecordPhaseLifted(phase.ResultID, string(OutcomeOK), duration)
		span.SetAttributes(telemetry.AttrOutcome.String(string(OutcomeOK)))
		telemetry.RecordSuccess(span)
		logger.Info().
			Dur("duration", duration).
			Int("domain_errors", len(Errors(results))).
			Msg("phase lifted")
		return results, nil
	}

	exceptions := make([]error, 0)
	for _, r := range results {
		if r.Fault != nil {
			exceptions = append(exceptions, r.Fault)
		}
	}
	e.metrics.RecordPhaseLifted(phase.ResultID, string(OutcomeFault), duration)
	e.metrics.RecordFaults(phase.ResultID, len(exceptions))
	span.SetAttributes(telemetry.AttrOutcome.String(string(OutcomeFault)))

	failure := &PhaseError{
		Message:    liftPhaseFailed,
		Results:    results,
		Exceptions: exceptions,
		Cause:      exceptions[0],
	}
	telemetry.RecordError(span, failure)
	logger.Error().
		Err(failure.Cause).
		Int("faults", len(exceptions)).
		Dur("duration", duration).
		Msg("phase failed")

	return results, failure
}

// runPlan runs one target's plan function and converts its outcome into a PhaseResult.
func (e *Engine) runPlan(ctx context.Context, template *Session, plan TargetPlan, resultID string) (result PhaseResult) {
	session := template.forTarget(plan.Target, resultID)
	result = PhaseResult{
		Target: plan.Target,
		Phase:  resultID,
	}

	ctx, span := e.tracer.Start(ctx, "lift.target", trace.WithAttributes(
		telemetry.AttrPhase.String(resultID),
		telemetry.AttrTargetID.String(plan.Target.ID),
		telemetry.AttrTargetHost.String(plan.Target.Address),
	))

	defer func() {
		if r := recover(); r != nil {
			result.ActionResults = session.Results()
			result.Fault = NewFault(fmt.Sprintf("plan function panicked: %v", r), nil).
				WithCode(ErrCodePanic).
				WithTarget(plan.Target.ID).
				WithPhase(resultID)
		}

		for _, a := range result.ActionResults {
			e.metrics.RecordAction(string(a.Kind), string(a.Status))
		}

		switch {
		case result.Fault != nil:
			telemetry.RecordError(span, result.Fault)
			log.Error().
				Err(result.Fault).
				Str("target", plan.Target.ID).
				Str("phase", resultID).
				Int("actions", len(result.ActionResults)).
				Msg("target faulted")
		case len(result.Errors) > 0:
			telemetry.RecordError(span, result.Errors[0])
			log.Warn().
				Err(result.Errors[0]).
				Str("target", plan.Target.ID).
				Str("phase", resultID).
				Int("actions", len(result.ActionResults)).
				Msg("target stopped on domain error")
		default:
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	if plan.Plan == nil {
		result.Fault = NewFault("target plan has no plan function", nil).
			WithCode(ErrCodeInternal).
			WithTarget(plan.Target.ID).
			WithPhase(resultID)
		return result
	}

	value, err := plan.Plan(ctx, session)
	result.Result = value
	result.ActionResults = session.Results()

	if err == nil {
		return result
	}

	if de, ok := AsDomainError(err); ok {
		// Copy so a shared error value is never mutated across targets.
		captured := *de
		if captured.Target == "" {
			captured.Target = plan.Target.ID
		}
		if captured.Phase == "" {
			captured.Phase = resultID
		}
		result.Errors = []*EngineError{&captured}
		return result
	}

	result.Fault = err
	return result
}
