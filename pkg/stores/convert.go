package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfroyo/groundwork/pkg/engine"
)

// PhaseRecordsFrom converts engine results into records ready to save.
func PhaseRecordsFrom(results []engine.PhaseResult) ([]*PhaseRecord, error) {
	records := make([]*PhaseRecord, 0, len(results))
	for _, r := range results {
		rec := &PhaseRecord{
			TargetID:   r.Target.ID,
			TargetName: r.Target.Name,
			Phase:      r.Phase,
			Outcome:    string(r.Outcome()),
			Actions:    make([]*ActionRecord, 0, len(r.ActionResults)),
		}

		if r.Result != nil {
			data, err := json.Marshal(r.Result)
			if err != nil {
				return nil, fmt.Errorf("failed to encode result of %s/%s: %w", r.Target.ID, r.Phase, err)
			}
			rec.Result = stringPtr(string(data))
		}
		if len(r.Errors) > 0 {
			data, err := json.Marshal(r.Errors)
			if err != nil {
				return nil, fmt.Errorf("failed to encode errors of %s/%s: %w", r.Target.ID, r.Phase, err)
			}
			rec.Errors = stringPtr(string(data))
		}
		if r.Fault != nil {
			rec.Fault = stringPtr(r.Fault.Error())
		}

		for _, a := range r.ActionResults {
			ar := &ActionRecord{
				Action:     a.Action,
				Kind:       string(a.Kind),
				Command:    a.Command,
				Output:     a.Output,
				Stderr:     a.Stderr,
				ExitCode:   a.ExitCode,
				Status:     string(a.Status),
				StartedAt:  a.StartedAt.UTC(),
				DurationMS: a.Duration.Milliseconds(),
			}
			if a.Error != "" {
				ar.Error = stringPtr(a.Error)
			}
			rec.Actions = append(rec.Actions, ar)
		}

		records = append(records, rec)
	}
	return records, nil
}

// DomainErrors decodes the record's domain errors.
func (r *PhaseRecord) DomainErrors() ([]*engine.EngineError, error) {
	if r.Errors == nil {
		return nil, nil
	}
	var errs []*engine.EngineError
	if err := json.Unmarshal([]byte(*r.Errors), &errs); err != nil {
		return nil, fmt.Errorf("failed to decode errors of %s/%s: %w", r.TargetID, r.Phase, err)
	}
	return errs, nil
}

// RunStatusFor derives the final status of a run from its results and error.
func RunStatusFor(results []engine.PhaseResult, err error) RunStatus {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return RunStatusCancelled
	case err != nil:
		return RunStatusFailed
	case len(engine.Errors(results)) > 0:
		return RunStatusStopped
	default:
		return RunStatusCompleted
	}
}

func stringPtr(s string) *string {
	return &s
}
