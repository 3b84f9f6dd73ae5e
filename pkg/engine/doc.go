// Package engine lifts phases of declarative specs onto live targets.
//
// # Overview
//
// A Spec is a named collection of phases. Each phase is a PlanFunction that
// runs remote actions against one Target through a Session. The engine runs
// phases and reports structured results:
//
//   - LiftPhase runs one phase concurrently across many targets.
//   - SynchPhases is a generic sequential pipeline with flow control and threaded state.
//   - LiftAbortOnError runs several phases in order, stopping on the first failing phase.
//   - CreateTargets provisions targets through a ComputeService and runs their
//     settings and bootstrap phases.
//
// TargetPlanFor and TargetPhaseFor resolve phase IDs against target specs
// before anything runs.
//
// # Error Classification
//
// Failures are split into two classes:
//
//   - Domain errors are expected. Create them with NewDomainError. They are
//     captured into PhaseResult.Errors and never affect sibling targets.
//   - Faults are everything else, including recovered panics. A fault fails
//     the whole LiftPhase call once every target has finished, with a
//     *PhaseError carrying all results produced so far.
//
// Use the helpers to inspect errors:
//
//	if pe, ok := engine.AsPhaseError(err); ok {
//	    for _, r := range pe.Results {
//	        // partial results, including faulted targets
//	    }
//	}
//
// # Sessions
//
// A Session template is shared read-only between concurrent executions.
// Every target gets a copy with its own recorder, so ActionResults are
// always ordered per target.
package engine
