package engine

import (
	"fmt"
)

// ActionStatus represents the status of an executed action.
type ActionStatus string

const (
	// ActionStatusOK indicates the action completed successfully.
	ActionStatusOK ActionStatus = "ok"

	// ActionStatusFailed indicates the action ran but reported failure.
	ActionStatusFailed ActionStatus = "failed"

	// ActionStatusError indicates the action could not be run.
	ActionStatusError ActionStatus = "error"

	// ActionStatusSkipped indicates the action was recorded but not run (dry run).
	ActionStatusSkipped ActionStatus = "skipped"
)

// Validate checks if the action status is valid.
func (s ActionStatus) Validate() error {
	switch s {
	case ActionStatusOK, ActionStatusFailed, ActionStatusError, ActionStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid action status: %s", s)
	}
}

// Outcome represents how a phase ended on one target.
type Outcome string

const (
	// OutcomeOK indicates the plan function returned without error.
	OutcomeOK Outcome = "ok"

	// OutcomeDomainError indicates the plan function ended with a domain error.
	OutcomeDomainError Outcome = "domain_error"

	// OutcomeFault indicates the plan function ended with a fault.
	OutcomeFault Outcome = "fault"
)

// PhaseSummary counts outcomes per phase.
type PhaseSummary struct {
	Phase        string `json:"phase"`
	Total        int    `json:"total"`
	OK           int    `json:"ok"`
	DomainErrors int    `json:"domain_errors"`
	Faults       int    `json:"faults"`
	Actions      int    `json:"actions"`
}

// Summarize counts outcomes per phase, in order of first appearance.
func Summarize(results []PhaseResult) []PhaseSummary {
	index := make(map[string]int)
	summaries := make([]PhaseSummary, 0)

	for _, r := range results {
		i, ok := index[r.Phase]
		if !ok {
			i = len(summaries)
			index[r.Phase] = i
			summaries = append(summaries, PhaseSummary{Phase: r.Phase})
		}

		s := &summaries[i]
		s.Total++
		s.Actions += len(r.ActionResults)
		switch r.Outcome() {
		case OutcomeOK:
			s.OK++
		case OutcomeDomainError:
			s.DomainErrors++
		case OutcomeFault:
			s.Faults++
		}
	}

	return summaries
}
