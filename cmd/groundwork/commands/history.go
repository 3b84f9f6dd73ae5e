package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/groundwork/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit    int
		runID    string
		deleteID string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs",
		Long: `History lists the runs recorded in the configured store, newest first.
With --run it shows the phase and action results of one run, and
--delete removes a run with all of its results.`,
		Example: `  # List the last 20 runs
  groundwork history -c web.cue

  # Show one run
  groundwork history -c web.cue --run 4b1c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadRunConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Store.Path == "" {
				return errors.New("no store configured: set store.path in the configuration")
			}

			store, err := stores.Open(cmd.Context(), cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			history := stores.NewHistory(store)
			if deleteID != "" {
				if err := history.Forget(cmd.Context(), deleteID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted run %s\n", deleteID)
				return nil
			}
			if runID != "" {
				run, records, err := history.Show(cmd.Context(), runID)
				if err != nil {
					return err
				}
				return writeRunDetail(cmd.OutOrStdout(), runDetail{Run: run, Results: records})
			}

			runs, err := history.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeRuns(cmd.OutOrStdout(), runs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum number of runs to list")
	cmd.Flags().StringVar(&runID, "run", "", "show the results of one run")
	cmd.Flags().StringVar(&deleteID, "delete", "", "delete one run and its results")
	cmd.MarkFlagsMutuallyExclusive("run", "delete")

	return cmd
}
