package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// main is the entry point of the wallpaper host daemon and its client verbs.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "wallhostd:", err)
		stop()
		os.Exit(1)
	}
}
