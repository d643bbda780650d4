package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobad-crawler/internal/export"
)

func newAssemblyCmd() *cobra.Command {
	var (
		rng         rangeFlags
		output      string
		matchedOnly bool
	)
	cmd := &cobra.Command{
		Use:   "assembly",
		Short: "Writes the stored advertisements as CSV",
		Long: `Writes one CSV row per advertisement in the id range, ordered by id, to
the output file or to stdout.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			r, err := rng.validate()
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}

			exporter := export.New(appInstance.Store(), nil, nil, appInstance.Logger().Named("export"))
			rows, err := exporter.Assemble(cmd.Context(), w, r, export.AssembleOptions{
				BatchSize:   rng.batchSize,
				MatchedOnly: matchedOnly,
			})
			if err != nil {
				return err
			}
			appInstance.Logger().Info("assembly finished", zap.Int("rows", rows), zap.String("output", output))
			return nil
		},
	}
	rng.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "CSV file to write (default stdout)")
	cmd.Flags().BoolVar(&matchedOnly, "matched-only", false, "only advertisements with at least one keyword match")
	return cmd
}

func newExportCmd() *cobra.Command {
	var (
		rng          rangeFlags
		output       string
		format       string
		matchedOnly  bool
		directoryCSV bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Exports advertisements into a directory tree by filter category",
		Long: `Classifies every advertisement in the id range with the configured
filters and writes its document to <output>/<category rule>/.../<id>.<format>.
The location is recorded on the advertisement. Existing files are replaced.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			r, err := rng.validate()
			if err != nil {
				return err
			}
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			filters, err := appInstance.Filters()
			if err != nil {
				return err
			}
			blobs, err := appInstance.BlobStore(cmd.Context(), output)
			if err != nil {
				return err
			}

			exporter := export.New(appInstance.Store(), blobs, filters, appInstance.Logger().Named("export"))
			summary, err := exporter.Export(cmd.Context(), export.Options{
				Range:        r,
				Format:       f,
				BatchSize:    rng.batchSize,
				MatchedOnly:  matchedOnly,
				DirectoryCSV: directoryCSV,
			})
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			if summary.Failed > 0 {
				return fmt.Errorf("%d advertisements could not be written", summary.Failed)
			}
			return nil
		},
	}
	rng.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "export root directory (GCS prefix for the gcs backend)")
	cmd.Flags().StringVar(&format, "format", "html", "document format: html or xml")
	cmd.Flags().BoolVar(&matchedOnly, "matched-only", false, "only advertisements with at least one keyword match")
	cmd.Flags().BoolVar(&directoryCSV, "directory-csv", false, "write an advertisements.csv into every directory")
	return cmd
}
