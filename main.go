package main

import (
	"os"

	"github.com/stagehand-dev/stagehand/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
