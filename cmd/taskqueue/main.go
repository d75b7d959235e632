// Package main is the entry point for the taskqueue CLI.
package main

import (
	"fmt"
	"os"

	"github.com/bargom/taskqueue/cmd/taskqueue/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
