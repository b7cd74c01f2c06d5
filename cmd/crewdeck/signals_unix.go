//go:build !windows

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tchow-twistedxcom/crewdeck/internal/logging"
)

// watchCrashDumpSignal writes the log ring buffer to dir on SIGUSR1.
func watchCrashDumpSignal(ctx context.Context, dir string) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(usr1)
		for {
			select {
			case <-ctx.Done():
				return
			case <-usr1:
				dumpPath := filepath.Join(dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
				if err := logging.DumpRingBuffer(dumpPath); err != nil {
					logging.ForComponent(logging.CompHub).Error("crash_dump_failed",
						slog.String("error", err.Error()))
				} else {
					logging.ForComponent(logging.CompHub).Info("crash_dump_written",
						slog.String("path", dumpPath))
				}
			}
		}
	}()
}
