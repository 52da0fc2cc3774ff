// Package main is the entry point for hubctl, the terminal tool for
// submitting tasks to a workerhub controller and inspecting its state.
package main

import (
	"os"

	"workerhub/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
