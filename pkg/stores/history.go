package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/groundwork/pkg/engine"
)

// History records lift and create runs into a Store.
// A nil *History records nothing.
type History struct {
	store Store
}

// NewHistory creates a history backed by store.
func NewHistory(store Store) *History {
	return &History{store: store}
}

// Begin records the start of a run.
func (h *History) Begin(ctx context.Context, name string, kind RunKind, metadata map[string]any) (*Run, error) {
	if h == nil {
		return nil, nil
	}

	meta := "{}"
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode run metadata: %w", err)
		}
		meta = string(data)
	}

	run := &Run{
		Name:      name,
		Kind:      kind,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
		Metadata:  meta,
	}
	if err := h.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	log.Debug().Str("run_id", run.ID).Str("kind", string(kind)).Msg("run recorded")
	return run, nil
}

// Finish saves the run's results and its final status. It still records
// when ctx has been cancelled.
func (h *History) Finish(ctx context.Context, run *Run, results []engine.PhaseResult, runErr error) error {
	if h == nil || run == nil {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	records, err := PhaseRecordsFrom(results)
	if err != nil {
		return err
	}
	if len(records) > 0 {
		if err := h.store.SavePhaseResults(ctx, run.ID, records); err != nil {
			return err
		}
	}

	status := RunStatusFor(results, runErr)
	var errMsg *string
	if runErr != nil {
		errMsg = stringPtr(runErr.Error())
	}
	if err := h.store.UpdateRunStatus(ctx, run.ID, status, errMsg); err != nil {
		return err
	}
	run.Status = status
	run.Error = errMsg

	log.Debug().
		Str("run_id", run.ID).
		Str("status", string(status)).
		Int("phase_results", len(records)).
		Msg("run finished")
	return nil
}

// Runs lists recorded runs, newest first.
func (h *History) Runs(ctx context.Context, limit int) ([]*Run, error) {
	if h == nil {
		return nil, nil
	}
	return h.store.ListRuns(ctx, limit, 0)
}

// Show returns one run with its phase records.
func (h *History) Show(ctx context.Context, id string) (*Run, []*PhaseRecord, error) {
	if h == nil {
		return nil, nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	run, err := h.store.GetRun(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	records, err := h.store.ListPhaseResults(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return run, records, nil
}

// Forget deletes a run together with its phase and action records.
func (h *History) Forget(ctx context.Context, id string) error {
	if h == nil {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err := h.store.DeleteRun(ctx, id); err != nil {
		return err
	}
	log.Info().Str("run_id", id).Msg("run deleted")
	return nil
}
