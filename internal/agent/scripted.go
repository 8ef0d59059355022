package agent

import (
	"context"
)

// ScriptedRunner replays a fixed function per invocation. It backs tests and
// the CLI dry-run path; production wires a real model-backed Runner.
type ScriptedRunner struct {
	// Script maps an invocation to the events to stream. Nil scripts emit a
	// single done event echoing the prompt.
	Script func(inv Invocation) []Event
}

// Run implements Runner.
func (r *ScriptedRunner) Run(ctx context.Context, inv Invocation) (<-chan Event, error) {
	events := []Event{{Status: StatusDone, Result: inv.Prompt}}
	if r.Script != nil {
		events = r.Script(inv)
	}

	out := make(chan Event, len(events))
	go func() {
		defer close(out)
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
