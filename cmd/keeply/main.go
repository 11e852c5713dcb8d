// Package main provides keeply, a local, incremental, content-addressed
// file backup engine with an encrypted metadata store.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/keeply/keeply/internal/cli"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, os.Environ(), sigCh)

	os.Exit(exitCode)
}
