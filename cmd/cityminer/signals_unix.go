//go:build !windows

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sodmax/cityverse-miner/internal/miner"
)

// watchSuspend maps job-control stops onto engine lifecycle transitions.
// SIGTSTP flushes and pauses before the process actually stops.
func watchSuspend(ctx context.Context, eng *miner.Engine) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTSTP, syscall.SIGCONT)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			switch sig {
			case syscall.SIGTSTP:
				if err := eng.HandleLifecycle(ctx, miner.Background); err != nil {
					slog.Warn("suspend failed", "error", err)
				}
				_ = syscall.Kill(os.Getpid(), syscall.SIGSTOP)
			case syscall.SIGCONT:
				if err := eng.HandleLifecycle(ctx, miner.Foreground); err != nil {
					slog.Warn("resume failed", "error", err)
				}
			}
		}
	}
}
