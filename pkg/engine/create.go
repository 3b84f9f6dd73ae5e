package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/groundwork/pkg/telemetry"
)

// Phase IDs used by CreateTargets.
const (
	PhaseCreateNodes = "create-nodes"
	PhaseSettings    = "settings"
	PhaseBootstrap   = "bootstrap"
)

// CreatedMarker is the Result of every create-nodes PhaseResult.
const CreatedMarker = "created"

// createTargetsFailed is the message of the aggregated failure raised by CreateTargets.
const createTargetsFailed = "create-targets failed"

// namer is implemented by compute services that report a provider name.
type namer interface {
	Name() string
}

// CreateTargets provisions req.Count targets through compute and runs the
// settings phase and then the bootstrap phase on all of them.
//
// The returned results are the creation results followed by the settings and
// bootstrap results. Domain errors in settings do not prevent bootstrap. A
// fault in settings returns a *PhaseError carrying the creation results and
// the partial settings results; bootstrap does not run.
func (e *Engine) CreateTargets(ctx context.Context, template *Session, compute ComputeService, req CreateRequest) ([]PhaseResult, error) {
	if err := validateCreateRequest(compute, req); err != nil {
		return nil, err
	}
	if template == nil {
		template = &Session{}
	}

	provider := fmt.Sprintf("%T", compute)
	if n, ok := compute.(namer); ok {
		provider = n.Name()
	}

	ctx, span := e.tracer.Start(ctx, "targets.create", trace.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("group", req.Group),
		attribute.Int("count", req.Count),
	))
	defer span.End()

	logger := log.With().Str("provider", provider).Str("group", req.Group).Logger()
	logger.Info().Int("count", req.Count).Msg("creating targets")
	startTime := time.Now()

	targets, err := compute.CreateNodes(ctx, req.NodeSpec, req.User, req.Count, CreateOptions{Group: req.Group})
	if err != nil {
		fault := NewFault("failed to create nodes", err).
			WithCode(ErrCodeProvisioning).
			WithPhase(PhaseCreateNodes)
		telemetry.RecordError(span, fault)
		logger.Error().Err(err).Msg("node creation failed")
		return nil, fault
	}
	e.metrics.RecordNodesCreated(provider, len(targets))
	logger.Info().Int("created", len(targets)).Dur("duration", time.Since(startTime)).Msg("nodes created")

	results := make([]PhaseResult, 0, 3*len(targets))
	for _, t := range targets {
		results = append(results, PhaseResult{
			Target:        t,
			Phase:         PhaseCreateNodes,
			Result:        CreatedMarker,
			ActionResults: make([]ActionResult, 0),
		})
	}

	spec := &Spec{
		Name: "create-" + req.Group,
		Phases: map[string]PlanFunction{
			PhaseSettings:  req.Settings,
			PhaseBootstrap: req.Bootstrap,
		},
	}
	phases, err := TargetPhasesFor(SpecsFor(targets, spec), []string{PhaseSettings, PhaseBootstrap})
	if err != nil {
		telemetry.RecordError(span, err)
		return results, err
	}

	session := template.WithUser(req.User)
	for _, phase := range phases {
		phaseResults, err := e.LiftPhase(ctx, session, phase)
		results = append(results, phaseResults...)
		if err != nil {
			failure := &PhaseError{
				Message: createTargetsFailed,
				Results: results,
				Cause:   err,
			}
			if pe, ok := AsPhaseError(err); ok {
				failure.Exceptions = pe.Exceptions
				failure.Cause = pe.Cause
			}
			telemetry.RecordError(span, failure)
			logger.Error().Err(failure.Cause).Str("phase", phase.ResultID).Msg("target creation aborted")
			return results, failure
		}
	}

	telemetry.RecordSuccess(span)
	logger.Info().
		Int("targets", len(targets)).
		Int("domain_errors", len(Errors(results))).
		Dur("duration", time.Since(startTime)).
		Msg("targets created")

	return results, nil
}

func validateCreateRequest(compute ComputeService, req CreateRequest) error {
	switch {
	case compute == nil:
		return NewFault("no compute service configured", nil).WithCode(ErrCodeValidation)
	case req.Count <= 0:
		return NewFault(fmt.Sprintf("invalid node count: %d", req.Count), nil).WithCode(ErrCodeValidation)
	case req.Settings == nil:
		return NewResolutionError("settings phase is not defined", nil).
			WithCode(ErrCodeNotFound).
			WithPhase(PhaseSettings)
	case req.Bootstrap == nil:
		return NewResolutionError("bootstrap phase is not defined", nil).
			WithCode(ErrCodeNotFound).
			WithPhase(PhaseBootstrap)
	}
	return nil
}
