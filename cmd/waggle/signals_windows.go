//go:build windows

package main

import (
	"os"
	"os/signal"
)

// shutdownSignals returns a channel that receives Ctrl+C. Windows has no
// SIGTERM delivery for console programs.
func shutdownSignals() chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	return sigChan
}
