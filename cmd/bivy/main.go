// Package main provides the entry point for the bivy CLI.
package main

import (
	"fmt"
	"os"

	"github.com/Aman-CERP/bivy/cmd/bivy/cmd"
	berrors "github.com/Aman-CERP/bivy/internal/errors"
)

// Exit codes. A fatal error (a corrupt index) needs an operator, so
// supervisors should not restart the worker on exitFatal.
const (
	exitError = 1
	exitFatal = 2
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprint(os.Stderr, berrors.FormatForCLI(err))
		if berrors.IsFatal(err) {
			os.Exit(exitFatal)
		}
		os.Exit(exitError)
	}
}
