//go:build !windows

package main

import (
	"os"
	"syscall"
)

// terminationSignals are the signals that stop the bot gracefully: Ctrl+C
// in a terminal, SIGTERM from the process manager.
var terminationSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
