package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	rootCmd := newRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	if theApp != nil {
		theApp.Close()
	}
	if err != nil {
		var silent *SilentError
		switch {
		case errors.As(err, &silent):
			// The command already printed or logged this failure.
		default:
			fmt.Fprintln(rootCmd.OutOrStderr(), err)
		}
		cancel()
		os.Exit(1)
	}
	cancel()
}
