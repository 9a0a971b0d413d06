package main

import (
	"os"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/harun/conduit/internal/cli"
)

func main() {
	// Match GOMAXPROCS to the container CPU quota, quietly.
	_, _ = maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {}))

	if err := cli.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}
