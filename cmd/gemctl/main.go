// Command gemctl drives the generative API from a terminal, keeping its
// credential, history, jobs and usage in a local sqlite file.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{out: os.Stdout, errOut: os.Stderr}
	err := newRootCmd(a).ExecuteContext(ctx)
	a.close()

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		warnColor.Fprintln(a.errOut, "cancelled")
		os.Exit(130)
	default:
		badColor.Fprintln(a.errOut, "error:", err)
		os.Exit(1)
	}
}
