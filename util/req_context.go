package util

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// ReqContext derives a context from parent that is cancelled on the first
// termination signal, so a CLI call against the broker api can be interrupted.
func ReqContext(parent context.Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	ctx, done := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
		done()
	}()
	return ctx
}
