package main

// ============================================================================
// drawerd entry point
//   All logic lives in internal/cli; main only builds the command tree,
//   recovers from panics and maps errors to the exit status.
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/drawerd/internal/cli"
)

var version = "dev" // set with -ldflags "-X main.version=..."

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	if version != "dev" {
		rootCmd.Version = version
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
