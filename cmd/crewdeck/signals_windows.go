//go:build windows

package main

import "context"

// watchCrashDumpSignal is a no-op: Windows has no SIGUSR1.
func watchCrashDumpSignal(ctx context.Context, dir string) {}
