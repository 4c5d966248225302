package main

import (
	"os"

	"github.com/aevon-lab/exactavg/cmd/exactavg/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
