package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/careprice-cli/internal/ingest"
	"github.com/sells-group/careprice-cli/internal/resilience"
)

var (
	ingestCSVPath   string
	ingestState     string
	ingestBatchSize int
	ingestWorkers   int
	ingestWarm      bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a CMS inpatient charges CSV into the pricing database",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}

		f, err := os.Open(ingestCSVPath)
		if err != nil {
			return eris.Wrap(err, "open csv")
		}
		defer f.Close()

		batchSize := ingestBatchSize
		if batchSize == 0 {
			batchSize = cfg.Ingest.BatchSize
		}
		workers := ingestWorkers
		if workers == 0 {
			workers = cfg.Ingest.Workers
		}

		var opts []ingest.CoordinatorOption
		if ingestWarm || cfg.Ingest.WarmGeocode {
			opts = append(opts, ingest.WithResolver(newResolver()))
		}

		coordinator := ingest.NewCoordinator(st, ingest.Config{
			BatchSize:   batchSize,
			Workers:     workers,
			StateFilter: strings.ToUpper(ingestState),
			Retry:       resilience.FromRetryConfig(cfg.Ingest.RetryAttempts, cfg.Ingest.RetryBackoffMS, 0, 0, -1),
		}, opts...)

		report, runErr := coordinator.Run(ctx, f)
		if report != nil {
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return eris.Wrap(err, "marshal report")
			}
			fmt.Println(string(out))
		}
		if runErr != nil {
			return eris.Wrap(runErr, "ingest run")
		}

		if len(report.BatchFailures) > 0 || len(report.RowFailures) > 0 {
			zap.L().Warn("ingestion completed with failures",
				zap.Int("row_failures", len(report.RowFailures)),
				zap.Int("batch_failures", len(report.BatchFailures)),
			)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestCSVPath, "csv", "", "path to CSV file (required)")
	ingestCmd.Flags().StringVar(&ingestState, "state", "", "restrict to a two-letter state code")
	ingestCmd.Flags().IntVar(&ingestBatchSize, "batch-size", 0, "records per storage transaction (default from config)")
	ingestCmd.Flags().IntVar(&ingestWorkers, "workers", 0, "concurrent batches in flight (default from config)")
	ingestCmd.Flags().BoolVar(&ingestWarm, "warm-geocode", false, "resolve provider postal codes during ingestion")
	_ = ingestCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(ingestCmd)
}
