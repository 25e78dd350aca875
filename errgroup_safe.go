package orchestrator

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// GroupGoSafe runs fn as a supervised worker inside the group. A panic is
// reported and the worker restarts with exponential backoff; a returned
// error propagates through the group and cancels siblings when the group
// carries a context; cancellation ends the restart loop so Wait can return.
//
// Panic reports go to stderr rather than the structured logger: the logger
// itself may be what panicked.
func GroupGoSafe(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() error {
		backoff := 200 * time.Millisecond
		const maxBackoff = 30 * time.Second
		for ctx == nil || ctx.Err() == nil {
			err, recovered := runWorker(ctx, fn)
			if recovered == nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())
			time.Sleep(backoff + restartJitter(backoff))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		return nil
	})
}

// runWorker executes one attempt of fn, converting a panic into a recovered
// value instead of unwinding the group goroutine.
func runWorker(ctx context.Context, fn func(context.Context) error) (err error, recovered any) {
	defer func() { recovered = recover() }()
	err = fn(ctx)
	return err, nil
}

// restartJitter spreads worker restarts without pulling in math/rand.
func restartJitter(backoff time.Duration) time.Duration {
	half := backoff / 2
	if half <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() % int64(half))
}
