package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/esprit-cli/esprit/internal/benchmark"
)

var (
	gateMinConversion    float64
	gateMinNovelty       float64
	gateMinValidatedRate float64
	gateMinValidated     int
)

var gateCmd = &cobra.Command{
	Use:   "gate <metrics.json>",
	Short: "Validate discovery metrics against benchmark thresholds",
	Long: `Evaluate a discovery metrics file against minimum quality thresholds
and exit non-zero when any threshold is not met. Intended for CI pipelines
guarding against discovery quality regressions.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metrics, err := benchmark.LoadMetrics(args[0])
		if err != nil {
			return err
		}

		thresholds := cfg.Benchmark
		if cmd.Flags().Changed("min-conversion-rate") {
			thresholds.MinHypothesisConversionRate = gateMinConversion
		}
		if cmd.Flags().Changed("min-novelty-ratio") {
			thresholds.MinNoveltyRatio = gateMinNovelty
		}
		if cmd.Flags().Changed("min-validated-rate") {
			thresholds.MinValidatedFindingRate = gateMinValidatedRate
		}
		if cmd.Flags().Changed("min-validated") {
			thresholds.MinValidatedHypotheses = gateMinValidated
		}

		failures := benchmark.EvaluateMetrics(metrics, thresholds)
		if len(failures) > 0 {
			red := color.New(color.FgRed, color.Bold).SprintFunc()
			fmt.Printf("%s\n", red("Discovery benchmark gate failed:"))
			for _, failure := range failures {
				fmt.Printf("  - %s\n", failure)
			}
			return fmt.Errorf("%d threshold(s) not met", len(failures))
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s\n", green("Discovery benchmark gate passed."))
		return nil
	},
}

func init() {
	gateCmd.Flags().Float64Var(&gateMinConversion, "min-conversion-rate", 0.15, "minimum hypothesis conversion rate")
	gateCmd.Flags().Float64Var(&gateMinNovelty, "min-novelty-ratio", 0.60, "minimum novelty ratio")
	gateCmd.Flags().Float64Var(&gateMinValidatedRate, "min-validated-rate", 0.10, "minimum validated finding rate")
	gateCmd.Flags().IntVar(&gateMinValidated, "min-validated", 1, "minimum validated hypotheses")
	rootCmd.AddCommand(gateCmd)
}
