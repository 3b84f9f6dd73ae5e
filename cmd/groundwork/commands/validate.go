package commands

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/groundwork/pkg/config"
	"github.com/openfroyo/groundwork/pkg/engine"
)

// validateReport is what validate prints.
type validateReport struct {
	Name     string   `json:"name"`
	Config   string   `json:"config"`
	Spec     string   `json:"spec"`
	Phases   []string `json:"phases"`
	Selected []string `json:"selected"`
	Targets  []string `json:"targets"`
	Provider string   `json:"provider"`
	Create   bool     `json:"create"`
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and its spec",
		Long: `Validate loads the configuration, checks it against the CUE schema, loads
the Starlark spec and resolves every selected phase across the configured
targets. Nothing is run.`,
		Example: `  # Validate the default configuration
  groundwork validate

  # Validate a YAML configuration and print JSON
  groundwork validate -c web.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadRunConfig(cmd)
			if err != nil {
				return err
			}

			report, err := validateRun(cfg)
			if err != nil {
				return err
			}

			log.Info().Str("config", cfg.Path).Msg("configuration is valid")
			return writeValidateReport(cmd.OutOrStdout(), report)
		},
	}
}

// validateRun loads the spec and resolves the selected phases on the configured targets.
func validateRun(cfg *config.RunConfig) (*validateReport, error) {
	spec, err := config.LoadSpec(cfg.Spec)
	if err != nil {
		return nil, err
	}

	targets, err := resolveTargets(cfg)
	if err != nil {
		return nil, err
	}

	selected := cfg.Phases
	if len(selected) == 0 {
		selected = spec.Phases
	}
	if _, err := engine.TargetPhasesFor(engine.SpecsFor(targets, spec.Spec), selected); err != nil {
		return nil, err
	}

	report := &validateReport{
		Name:     cfg.Name,
		Config:   cfg.Path,
		Spec:     spec.Path,
		Phases:   spec.Phases,
		Selected: selected,
		Targets:  make([]string, 0, len(targets)),
		Provider: cfg.Compute.Provider,
		Create:   spec.Spec.Phases[engine.PhaseSettings] != nil && spec.Spec.Phases[engine.PhaseBootstrap] != nil,
	}
	for _, t := range targets {
		report.Targets = append(report.Targets, t.String())
	}
	return report, nil
}

func writeValidateReport(w io.Writer, r *validateReport) error {
	if jsonOutput {
		return writeJSON(w, r)
	}

	fmt.Fprintf(w, "config:   %s\n", r.Config)
	fmt.Fprintf(w, "spec:     %s (%s)\n", r.Spec, r.Name)
	fmt.Fprintf(w, "phases:   %v\n", r.Phases)
	fmt.Fprintf(w, "selected: %v\n", r.Selected)
	fmt.Fprintf(w, "targets:  %d %v\n", len(r.Targets), r.Targets)
	fmt.Fprintf(w, "provider: %s\n", r.Provider)
	if r.Create {
		fmt.Fprintln(w, "create:   settings and bootstrap phases defined")
	} else {
		fmt.Fprintln(w, "create:   unavailable (spec needs settings and bootstrap phases)")
	}
	return nil
}
