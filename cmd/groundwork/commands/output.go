package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/groundwork/pkg/engine"
	"github.com/openfroyo/groundwork/pkg/stores"
)

// resultView is the printable form of an engine.PhaseResult.
type resultView struct {
	Target  string                `json:"target"`
	Name    string                `json:"name,omitempty"`
	Phase   string                `json:"phase"`
	Outcome engine.Outcome        `json:"outcome"`
	Result  any                   `json:"result,omitempty"`
	Errors  []*engine.EngineError `json:"errors,omitempty"`
	Fault   string                `json:"fault,omitempty"`
	Actions []engine.ActionResult `json:"actions"`
}

// runOutput is what lift and create print.
type runOutput struct {
	RunID   string                `json:"run_id,omitempty"`
	Status  stores.RunStatus      `json:"status"`
	Error   string                `json:"error,omitempty"`
	Results []resultView          `json:"results"`
	Summary []engine.PhaseSummary `json:"summary"`
}

func newRunOutput(run *stores.Run, results []engine.PhaseResult, runErr error) runOutput {
	out := runOutput{
		Status:  stores.RunStatusFor(results, runErr),
		Results: make([]resultView, 0, len(results)),
		Summary: engine.Summarize(results),
	}
	if run != nil {
		out.RunID = run.ID
	}
	if runErr != nil {
		out.Error = runErr.Error()
	}

	for _, r := range results {
		view := resultView{
			Target:  r.Target.ID,
			Name:    r.Target.Name,
			Phase:   r.Phase,
			Outcome: r.Outcome(),
			Result:  r.Result,
			Errors:  r.Errors,
			Actions: r.ActionResults,
		}
		if view.Actions == nil {
			view.Actions = []engine.ActionResult{}
		}
		if r.Fault != nil {
			view.Fault = r.Fault.Error()
		}
		out.Results = append(out.Results, view)
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRunOutput(w io.Writer, out runOutput) error {
	if jsonOutput {
		return writeJSON(w, out)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tTARGET\tOUTCOME\tACTIONS\tDETAIL")
	for _, r := range out.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.Phase, r.Target, r.Outcome, len(r.Actions), r.detail())
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	for _, s := range out.Summary {
		fmt.Fprintf(w, "%s: %d targets, %d ok, %d domain errors, %d faults, %d actions\n",
			s.Phase, s.Total, s.OK, s.DomainErrors, s.Faults, s.Actions)
	}
	if out.RunID != "" {
		fmt.Fprintf(w, "run %s %s\n", out.RunID, out.Status)
	} else {
		fmt.Fprintf(w, "run %s\n", out.Status)
	}
	return nil
}

func (r resultView) detail() string {
	switch {
	case r.Fault != "":
		return truncate(r.Fault)
	case len(r.Errors) > 0:
		return truncate(describeError(r.Errors[0]))
	case r.Result != nil:
		data, err := json.Marshal(r.Result)
		if err != nil {
			return fmt.Sprintf("%v", r.Result)
		}
		return truncate(string(data))
	}
	return ""
}

func describeError(e *engine.EngineError) string {
	if code, ok := e.Details["exit_code"]; ok {
		return fmt.Sprintf("%s (exit code %v)", e.Message, code)
	}
	return e.Message
}

func truncate(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}

func writeRuns(w io.Writer, runs []*stores.Run) error {
	if jsonOutput {
		return writeJSON(w, runs)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKIND\tSTATUS\tSTARTED\tDURATION")
	for _, run := range runs {
		duration := "-"
		if run.CompletedAt != nil {
			duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Name, run.Kind, run.Status, run.StartedAt.Local().Format(time.DateTime), duration)
	}
	return tw.Flush()
}

// runDetail is what `history --run` prints.
type runDetail struct {
	Run     *stores.Run           `json:"run"`
	Results []*stores.PhaseRecord `json:"results"`
}

func writeRunDetail(w io.Writer, detail runDetail) error {
	if jsonOutput {
		return writeJSON(w, detail)
	}

	run := detail.Run
	fmt.Fprintf(w, "run %s (%s %s): %s\n", run.ID, run.Kind, run.Name, run.Status)
	if run.Error != nil {
		fmt.Fprintf(w, "error: %s\n", *run.Error)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tPHASE\tTARGET\tOUTCOME\tACTION\tSTATUS\tEXIT\tDURATION")
	for _, rec := range detail.Results {
		if len(rec.Actions) == 0 {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t-\t-\t-\t-\n", rec.Seq, rec.Phase, rec.TargetID, rec.Outcome)
			continue
		}
		for i, a := range rec.Actions {
			if i == 0 {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t", rec.Seq, rec.Phase, rec.TargetID, rec.Outcome)
			} else {
				fmt.Fprint(tw, "\t\t\t\t")
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", truncate(a.Action), a.Status, a.ExitCode,
				(time.Duration(a.DurationMS) * time.Millisecond).String())
		}
	}
	return tw.Flush()
}
