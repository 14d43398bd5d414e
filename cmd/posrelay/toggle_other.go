//go:build !unix

package main

import "os"

// No user signal to toggle with; the connection follows the process.
var toggleSignals []os.Signal
