// Package main is the entry point for the av1arr master.
package main

import (
	"os"

	"github.com/jmylchreest/av1arr/cmd/av1arr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
