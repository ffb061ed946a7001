// Command esctl runs operator tasks against a deployed event store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/saga"
)

const (
	exitOK       = 0
	exitError    = 1
	exitNotFound = 2
	exitConflict = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(os.Stdout, defaultNode).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "esctl:", err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, ports.ErrNotFound), errors.Is(err, saga.ErrUnknownSaga):
		return exitNotFound
	case errors.Is(err, ports.ErrConcurrency),
		errors.Is(err, ports.ErrRebuildInProgress),
		errors.Is(err, aggregate.ErrConflictExhausted),
		errors.Is(err, saga.ErrSagaTerminal):
		return exitConflict
	default:
		return exitError
	}
}
