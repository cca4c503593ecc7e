//go:build windows

package main

import (
	"os"
)

// shutdownSignals returns the signals that stop a run on Windows
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
