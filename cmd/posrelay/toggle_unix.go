//go:build unix

package main

import (
	"os"
	"syscall"
)

var toggleSignals = []os.Signal{syscall.SIGUSR1}
