package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	plog "sarswarm.ai/internal/persistence/log"
	"sarswarm.ai/internal/persistence/snapshot"
	"sarswarm.ai/internal/sim/ontology"
)

func newAnalyzeCmd() *cobra.Command {
	var (
		maxDelay  int
		horizon   int
		tolerance float64
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "analyze <run-dir>",
		Short: "Re-run the analysis over a stored trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runDir := args[0]
			trace, err := snapshot.ReadTrace(filepath.Join(runDir, traceFile))
			if err != nil {
				return fmt.Errorf("read trace: %w", err)
			}
			records, err := plog.ReadAudit(runDir)
			if err != nil {
				return fmt.Errorf("read audit: %w", err)
			}

			schema := ontology.Default()
			if trace.Tuning.Ontology != "" {
				if s, err := ontology.Load(trace.Tuning.Ontology); err == nil {
					schema = s
				} else {
					logger.Warn("ontology unavailable, using built-in schema", zap.String("path", trace.Tuning.Ontology), zap.Error(err))
				}
			}

			a := trace.Tuning.Analysis
			flags := cmd.Flags()
			if flags.Changed("max-delay") {
				a.MaxDelay = maxDelay
			}
			if flags.Changed("horizon") {
				a.Horizon = horizon
			}
			if flags.Changed("tolerance") {
				a.Tolerance = tolerance
			}

			rep := buildReport(trace.Header.RunID, a, schema, trace.Result(), records)
			if asJSON {
				return rep.writeJSON(cmd.OutOrStdout())
			}
			rep.writeText(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().IntVar(&maxDelay, "max-delay", 0, "largest tolerated global lag in snapshots")
	cmd.Flags().IntVar(&horizon, "horizon", 0, "check local snapshots below this index only (0 = all)")
	cmd.Flags().Float64Var(&tolerance, "tolerance", 0, "slack allowed above the geometric survival bound")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
