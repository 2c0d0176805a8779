// Package main is the quforia command: it runs the driver host with a frame source, the engine
// monitor and the monitoring server, and manages recorded sessions.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "quforia:", err)
		os.Exit(1)
	}
}
