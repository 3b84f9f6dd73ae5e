package engine

import (
	"fmt"
)

// TargetPlanFor resolves phaseID in the target's spec into an executable plan.
func TargetPlanFor(ts TargetSpec, phaseID string) (TargetPlan, error) {
	if ts.Spec == nil {
		return TargetPlan{}, NewResolutionError("target has no spec", nil).
			WithCode(ErrCodeNotFound).
			WithTarget(ts.Target.ID).
			WithPhase(phaseID)
	}

	plan, ok := ts.Spec.Phases[phaseID]
	if !ok || plan == nil {
		return TargetPlan{}, NewResolutionError(
			fmt.Sprintf("phase %q not found in spec %q", phaseID, ts.Spec.Name), nil).
			WithCode(ErrCodeNotFound).
			WithTarget(ts.Target.ID).
			WithPhase(phaseID).
			WithDetail("spec", ts.Spec.Name)
	}

	return TargetPlan{
		Target:   ts.Target,
		Plan:     plan,
		Phase:    phaseID,
		ResultID: phaseID,
	}, nil
}

// TargetPhaseFor resolves phaseID for every target spec, preserving order.
func TargetPhaseFor(specs []TargetSpec, phaseID string) (TargetPhase, error) {
	phase := TargetPhase{
		ResultID: phaseID,
		Plans:    make([]TargetPlan, 0, len(specs)),
	}

	for _, ts := range specs {
		plan, err := TargetPlanFor(ts, phaseID)
		if err != nil {
			return TargetPhase{}, err
		}
		phase.Plans = append(phase.Plans, plan)
	}

	return phase, nil
}

// TargetPhasesFor resolves each phase ID in order.
func TargetPhasesFor(specs []TargetSpec, phaseIDs []string) ([]TargetPhase, error) {
	phases := make([]TargetPhase, 0, len(phaseIDs))
	for _, id := range phaseIDs {
		phase, err := TargetPhaseFor(specs, id)
		if err != nil {
			return nil, err
		}
		phases = append(phases, phase)
	}
	return phases, nil
}

// SpecsFor pairs every target with the same spec.
func SpecsFor(targets []Target, spec *Spec) []TargetSpec {
	specs := make([]TargetSpec, len(targets))
	for i, t := range targets {
		specs[i] = TargetSpec{Target: t, Spec: spec}
	}
	return specs
}
