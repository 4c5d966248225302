package cmd

import (
	"encoding/json"

	coreagg "github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/aevon-lab/exactavg/internal/core/numeric"
	"github.com/spf13/cobra"
)

var (
	planPrecision int32
	planScale     int32
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the sum and result shapes planned for an input column",
	Long: `Plan prints the NUMERIC shapes the aggregate uses for an input column
of the given precision and scale: the running sum and the final result.`,
	Example: `  exactavg plan --precision 6 --scale 2`,
	RunE:    runPlan,
}

func init() {
	planCmd.Flags().Int32Var(&planPrecision, "precision", 0, "Input column precision (1-1024)")
	planCmd.Flags().Int32Var(&planScale, "scale", 0, "Input column scale")
	_ = planCmd.MarkFlagRequired("precision")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	plan, err := coreagg.DefaultPlanner().Plan(numeric.Shape{Precision: planPrecision, Scale: planScale})
	if err != nil {
		printError("cannot plan input shape", err)
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}
