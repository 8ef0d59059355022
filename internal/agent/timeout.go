package agent

import (
	"context"
	"time"
)

// WithTimeouts wraps a runner with execution bounds: total caps the whole
// run, idle caps the gap between streamed events. Exceeding either cancels
// the run and ends the stream with an error event, which rolls the caller's
// cursor back like any other failed run.
func WithTimeouts(r Runner, total, idle time.Duration) Runner {
	return &timeoutRunner{inner: r, total: total, idle: idle}
}

type timeoutRunner struct {
	inner Runner
	total time.Duration
	idle  time.Duration
}

func (t *timeoutRunner) Run(ctx context.Context, inv Invocation) (<-chan Event, error) {
	runCtx, cancel := context.WithTimeout(ctx, t.total)
	events, err := t.inner.Run(runCtx, inv)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer cancel()

		idleTimer := time.NewTimer(t.idle)
		defer idleTimer.Stop()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					// A stream cut short by the run bound ends in an error
					// event even when the inner runner just closes it.
					if runCtx.Err() != nil && ctx.Err() == nil {
						out <- Event{Status: StatusError, Err: "agent run timeout"}
					}
					return
				}
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(t.idle)
				out <- ev
			case <-idleTimer.C:
				out <- Event{Status: StatusError, Err: "agent idle timeout"}
				return
			case <-runCtx.Done():
				out <- Event{Status: StatusError, Err: runCtx.Err().Error()}
				return
			}
		}
	}()
	return out, nil
}
