package main

import (
	"fmt"
	"os"

	"github.com/substrate-telemetry/backend/internal/cmd"
)

func main() {
	command, err := cmd.NewCoreCommand()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}
