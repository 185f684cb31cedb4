//go:build windows

package main

import (
	"context"

	"github.com/sodmax/cityverse-miner/internal/miner"
)

// watchSuspend has no job control to watch on this platform.
func watchSuspend(ctx context.Context, _ *miner.Engine) {
	<-ctx.Done()
}
