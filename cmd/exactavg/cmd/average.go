package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	coreagg "github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/aevon-lab/exactavg/internal/core/numeric"
	"github.com/aevon-lab/exactavg/internal/evaluate"
	"github.com/spf13/cobra"
)

var (
	avgPrecision  int32
	avgScale      int32
	avgPartitions int
	avgRounding   string
)

var averageCmd = &cobra.Command{
	Use:   "average [file|-]",
	Short: "Average a column of decimals read one per line",
	Long: `Average reads one value per line (NULL for a null row, # for comments),
spreads the rows over --partitions aggregators, merges their partial
states and prints the exact result at the planned output shape.`,
	Example: `  printf '1.25\nNULL\n2.50\n' | exactavg average --precision 6 --scale 2
  exactavg average --precision 12 --scale 3 --partitions 8 readings.txt`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAverage,
}

func init() {
	averageCmd.Flags().Int32Var(&avgPrecision, "precision", 0, "Input column precision (1-1024)")
	averageCmd.Flags().Int32Var(&avgScale, "scale", 0, "Input column scale")
	averageCmd.Flags().IntVar(&avgPartitions, "partitions", 1, "Number of partial aggregates to merge")
	averageCmd.Flags().StringVar(&avgRounding, "rounding", "half_up", "Rounding of the final division: half_up, half_even or down")
	_ = averageCmd.MarkFlagRequired("precision")
	rootCmd.AddCommand(averageCmd)
}

func runAverage(cmd *cobra.Command, args []string) error {
	rounding, err := numeric.ParseRounding(avgRounding)
	if err != nil {
		return err
	}
	shape := numeric.Shape{Precision: avgPrecision, Scale: avgScale}

	in := cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	values, err := readColumn(in, shape)
	if err != nil {
		printError("invalid input", err)
		return err
	}

	res, err := evaluate.Run(cmd.Context(), coreagg.DefaultPlanner(), evaluate.Job{
		Input:      shape,
		Values:     values,
		Partitions: avgPartitions,
		Rounding:   rounding,
	})
	if err != nil {
		var pe *coreagg.PrecisionExceededError
		if errors.As(err, &pe) {
			printError("precision exceeded", fmt.Errorf("%v (details: %v)", pe, pe.Details()))
		} else {
			printError("average failed", err)
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "average:  %s\n", res.Average)
	fmt.Fprintf(out, "rows:     %d\n", res.State.Count)
	fmt.Fprintf(out, "sum:      %s %s\n", res.State.Sum, res.Plan.Sum)
	fmt.Fprintf(out, "output:   %s %s\n", res.Plan.Output, rounding)
	return nil
}

// readColumn parses one value per line. Blank lines and # comments are skipped.
func readColumn(r io.Reader, shape numeric.Shape) ([]numeric.NullDecimal, error) {
	var values []numeric.NullDecimal
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		v, err := evaluate.ParseValue(text, shape)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		values = append(values, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return values, nil
}
