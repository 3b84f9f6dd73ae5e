package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/groundwork/pkg/engine"
	"github.com/openfroyo/groundwork/pkg/stores"
)

func newCreateCommand() *cobra.Command {
	var (
		count  int
		group  string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create targets and run their settings and bootstrap phases",
		Long: `Create provisions new targets through the configured compute provider,
then lifts the spec's settings phase and its bootstrap phase onto them.

The static provider allocates hosts from the inventory group; the
digitalocean provider creates droplets from compute.node.

With strict host key checking, keys of hosts not yet in known_hosts are
recorded on first connection; a changed key is still rejected.`,
		Example: `  # Create three web nodes
  groundwork create -c web.cue --count 3 --group web

  # Show what would be created
  groundwork create -c web.cue --count 3 --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be positive, got %d", count)
			}

			env, err := setupRun(cmd, runMode{acceptNewHostKeys: true})
			if err != nil {
				return err
			}
			defer env.close()

			if group == "" && env.cfg.Inventory != nil {
				group = env.cfg.Inventory.Group
			}
			if group == "" {
				group = "node"
			}

			req := engine.CreateRequest{
				NodeSpec:  env.cfg.Compute.Node,
				User:      env.cfg.User.EngineUser(),
				Count:     count,
				Group:     group,
				Settings:  env.spec.Spec.Phases[engine.PhaseSettings],
				Bootstrap: env.spec.Spec.Phases[engine.PhaseBootstrap],
			}

			logger := log.With().
				Str("provider", env.cfg.Compute.Provider).
				Str("group", group).
				Int("count", count).
				Logger()

			if dryRun || env.dryRun {
				logger.Info().
					Str("image", req.NodeSpec.Image).
					Str("size", req.NodeSpec.Size).
					Str("region", req.NodeSpec.Region).
					Bool("settings", req.Settings != nil).
					Bool("bootstrap", req.Bootstrap != nil).
					Msg("dry run: no targets created")
				return nil
			}

			service, err := computeService(env.cfg)
			if err != nil {
				return err
			}

			ctx, run := env.begin(cmd.Context(), stores.RunKindCreate, map[string]any{
				"spec":     env.spec.Path,
				"provider": env.cfg.Compute.Provider,
				"group":    group,
				"count":    count,
			})
			results, runErr := env.engine.CreateTargets(ctx, env.session, service, req)
			env.finish(ctx, stores.RunKindCreate, run, results, runErr)

			if err := writeRunOutput(cmd.OutOrStdout(), newRunOutput(run, results, runErr)); err != nil {
				return err
			}
			return runError(results, runErr)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of targets to create")
	cmd.Flags().StringVarP(&group, "group", "g", "", "group of the new targets (default: inventory group, then \"node\")")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the request without creating anything")

	return cmd
}
