// Package main provides the entry point for the runbookd CLI.
package main

import (
	"os"

	"github.com/shiftctl/runbookd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
