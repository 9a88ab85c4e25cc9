// Command deployctl deploys and supervises the clustering_outliers profile
// service from its compose descriptor.
//
// Commands: validate, config, preflight, up, down, status, watch, version.
//
// For detailed usage information, run:
//
//	deployctl --help
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	cmd, teardown := newRootCmd()
	err := cmd.ExecuteContext(ctx)
	teardown()
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
