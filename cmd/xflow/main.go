// Package main provides the entry point for the xflow CLI.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/raphaelgruber/xflow/internal/cli"
)

func main() {
	// Load .env if present
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
