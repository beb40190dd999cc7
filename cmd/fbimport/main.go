// Command fbimport drives fiscal ledger imports from the command line.
//
//	fbimport import ledger.txt --company acme --run
//	fbimport status <job-id>
//	fbimport stale --recover
//
// Commands share the server's configuration and database. Logs go to
// stderr; job snapshots are written to stdout as JSON.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	c := &cli{open: openApp}
	err := c.rootCmd().ExecuteContext(ctx)
	c.close()
	stop()
	if err != nil {
		os.Exit(1)
	}
}
