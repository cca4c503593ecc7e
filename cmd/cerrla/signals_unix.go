//go:build !windows

package main

import (
	"os"
	"syscall"
)

// shutdownSignals returns the signals that stop a run on Unix systems
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}
