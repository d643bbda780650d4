package cmd

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/jobad-crawler/internal/harvest"
	"github.com/JakeFAU/jobad-crawler/internal/keyword"
)

func newAnalyzeCmd() *cobra.Command {
	var (
		rng     rangeFlags
		reset   bool
		workers int
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Matches advertisements against the configured keywords",
		Long: `Evaluates every configured keyword rule against the advertisements in the
id range that have not been analyzed yet. With --reset earlier results in
the range are discarded and every advertisement is evaluated again. A rule
with an empty or invalid pattern is reported and skipped; the command then
exits non-zero.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			r, err := rng.validate()
			if err != nil {
				return err
			}
			summary, runErr := appInstance.Analyzer().Analyze(cmd.Context(), keyword.Options{
				Range:     r,
				BatchSize: rng.batchSize,
				Reset:     reset,
				Workers:   workers,
			})
			if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			return runErr
		},
	}
	rng.register(cmd)
	cmd.Flags().BoolVar(&reset, "reset", false, "discard earlier matches in the range and analyze everything again")
	cmd.Flags().IntVar(&workers, "workers", runtime.NumCPU(), "advertisements evaluated concurrently within a batch")
	return cmd
}

func newUpdateCmd() *cobra.Command {
	var (
		rng   rangeFlags
		force bool
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Re-parses stored documents to fill advertisement fields",
		Long: `Parses the stored document of every advertisement in the id range with the
parser of its portal and fills title, description, company and location
where they are empty. With --force every field the parser finds replaces
the stored value.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			r, err := rng.validate()
			if err != nil {
				return err
			}
			summary, err := harvest.Reparse(cmd.Context(), appInstance.Store(), harvest.ReparseOptions{
				Range:     r,
				BatchSize: rng.batchSize,
				Force:     force,
			}, appInstance.Logger().Named("reparse"))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	rng.register(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "overwrite stored fields with parsed values")
	return cmd
}
