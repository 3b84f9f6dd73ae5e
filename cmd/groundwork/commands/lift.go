package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/groundwork/pkg/engine"
	"github.com/openfroyo/groundwork/pkg/stores"
)

func newLiftCommand() *cobra.Command {
	var (
		phases   []string
		dryRun   bool
		discover bool
	)

	cmd := &cobra.Command{
		Use:   "lift",
		Short: "Lift phases onto the configured targets",
		Long: `Lift runs phases one after another on every configured target.

Each phase runs concurrently on all targets. The run stops after the first
phase in which any target reported an error. Phases default to the
configuration's phases, then to every phase of the spec in declaration order.`,
		Example: `  # Lift the configured phases
  groundwork lift -c web.cue

  # Lift selected phases only
  groundwork lift -c web.cue --phase install --phase configure

  # Detect each target's OS before lifting
  groundwork lift -c web.cue --discover

  # Record actions without running them
  groundwork lift -c web.cue --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setupRun(cmd, runMode{dryRun: dryRun})
			if err != nil {
				return err
			}
			defer env.close()

			targets, err := resolveTargets(env.cfg)
			if err != nil {
				return err
			}
			if discover {
				if targets, err = env.discoverTargets(cmd.Context(), targets); err != nil {
					return err
				}
			}

			ids := phases
			if len(ids) == 0 {
				ids = env.cfg.Phases
			}
			if len(ids) == 0 {
				ids = env.spec.Phases
			}

			targetPhases, err := engine.TargetPhasesFor(engine.SpecsFor(targets, env.spec.Spec), ids)
			if err != nil {
				return err
			}

			log.Info().
				Str("name", env.cfg.Name).
				Strs("phases", ids).
				Int("targets", len(targets)).
				Bool("dry_run", env.dryRun).
				Msg("lifting")

			ctx, run := env.begin(cmd.Context(), stores.RunKindLift, map[string]any{
				"spec":    env.spec.Path,
				"phases":  ids,
				"targets": len(targets),
				"dry_run": env.dryRun,
			})
			results, runErr := env.engine.LiftAbortOnError(ctx, env.session, targetPhases)
			env.finish(ctx, stores.RunKindLift, run, results, runErr)

			if err := writeRunOutput(cmd.OutOrStdout(), newRunOutput(run, results, runErr)); err != nil {
				return err
			}
			return runError(results, runErr)
		},
	}

	cmd.Flags().StringSliceVarP(&phases, "phase", "p", nil, "phase to lift (repeatable, in order)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "record actions without running them")
	cmd.Flags().BoolVar(&discover, "discover", false, "read OS facts from targets that do not declare them")

	return cmd
}

// runError maps a run's outcome to the command's error: faults fail the
// command, domain errors exit with status 2.
func runError(results []engine.PhaseResult, runErr error) error {
	if runErr != nil {
		return runErr
	}
	if errs := engine.Errors(results); len(errs) > 0 {
		return &ExitError{Code: 2, Err: fmt.Errorf("%d target(s) reported errors", len(errs))}
	}
	return nil
}
