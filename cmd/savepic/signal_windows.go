//go:build windows

package main

import (
	"os"
)

// terminationSignals are the signals that stop the bot gracefully; on
// Windows that is Ctrl+C only.
var terminationSignals = []os.Signal{os.Interrupt}
