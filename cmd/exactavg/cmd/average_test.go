package cmd

import (
	"bytes"
	"strings"
	"testing"

	coreagg "github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/aevon-lab/exactavg/internal/core/numeric"
	"github.com/stretchr/testify/require"
)

func TestReadColumn(t *testing.T) {
	shape := numeric.Shape{Precision: 6, Scale: 2}
	in := "# readings\n1.25\n\nNULL\n  2.50 \n"

	values, err := readColumn(strings.NewReader(in), shape)
	require.NoError(t, err)
	require.Len(t, values, 3)
	require.Equal(t, "1.25", values[0].String())
	require.False(t, values[1].Valid)
	require.Equal(t, "2.50", values[2].String())

	_, err = readColumn(strings.NewReader("1.25\n1.255\n"), shape)
	require.ErrorIs(t, err, coreagg.ErrInvalidInputShape)
	require.ErrorContains(t, err, "line 2")
}

func TestAverageCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader("1.00\n2.00\nNULL\n4.00\n"))
	rootCmd.SetArgs([]string{"average", "--precision", "6", "--scale", "2", "--partitions", "3"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	require.Contains(t, out.String(), "average:  2.3333333")
	require.Contains(t, out.String(), "rows:     3")
}

func TestPlanCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"plan", "--precision", "6", "--scale", "2"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	require.Contains(t, out.String(), `"precision": 26`)
	require.Contains(t, out.String(), `"scale": 7`)
}
