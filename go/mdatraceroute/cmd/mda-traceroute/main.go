/* SPDX-License-Identifier: BSD-2-Clause */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

// Program constants
const (
	ProgramName    = "MDA Traceroute"
	ProgramVersion = "v0.1"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd(ProgramVersion).ExecuteContext(ctx); err != nil {
		stop()
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
