package agent

import (
	"context"
	"testing"
	"time"
)

func TestLockAcquireOnce(t *testing.T) {
	var l Lock
	if !l.TryAcquire() {
		t.Fatal("first acquire failed")
	}
	if l.TryAcquire() {
		t.Fatal("second acquire succeeded while held")
	}
	l.Release()
	if !l.TryAcquire() {
		t.Fatal("acquire after release failed")
	}
}

func TestScriptedRunnerStreamsInOrder(t *testing.T) {
	r := &ScriptedRunner{Script: func(inv Invocation) []Event {
		return []Event{
			{Status: StatusPartial, Result: "thinking"},
			{Status: StatusDone, Result: "Hi!", SessionID: "sess-1"},
		}
	}}

	ch, err := r.Run(context.Background(), Invocation{Prompt: "@Andy hi"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var got []Event
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("events = %+v", got)
	}
	if got[0].Status != StatusPartial || got[1].Status != StatusDone || got[1].SessionID != "sess-1" {
		t.Fatalf("events = %+v", got)
	}
}

// stallRunner emits one partial event and never finishes its stream.
type stallRunner struct{}

func (stallRunner) Run(ctx context.Context, inv Invocation) (<-chan Event, error) {
	ch := make(chan Event, 1)
	ch <- Event{Status: StatusPartial, Result: "working"}
	return ch, nil
}

func TestTimeoutRunnerPassesEventsThrough(t *testing.T) {
	inner := &ScriptedRunner{Script: func(inv Invocation) []Event {
		return []Event{
			{Status: StatusPartial, Result: "thinking"},
			{Status: StatusDone, Result: "ok", SessionID: "sess-1"},
		}
	}}
	r := WithTimeouts(inner, time.Minute, time.Minute)

	ch, err := r.Run(context.Background(), Invocation{Prompt: "hi"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var got []Event
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 2 || got[1].Status != StatusDone || got[1].SessionID != "sess-1" {
		t.Fatalf("events = %+v", got)
	}
}

func TestTimeoutRunnerEndsIdleStream(t *testing.T) {
	r := WithTimeouts(stallRunner{}, time.Minute, 50*time.Millisecond)

	ch, err := r.Run(context.Background(), Invocation{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var last Event
	for ev := range ch {
		last = ev
	}
	if last.Status != StatusError {
		t.Fatalf("last event = %+v", last)
	}
}

func TestTimeoutRunnerBoundsWholeRun(t *testing.T) {
	// A runner that streams forever, fast enough to keep resetting the idle
	// bound, still ends at the total bound.
	r := WithTimeouts(tickerRunner{}, 80*time.Millisecond, time.Minute)

	ch, err := r.Run(context.Background(), Invocation{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var last Event
	for ev := range ch {
		last = ev
	}
	if last.Status != StatusError {
		t.Fatalf("last event = %+v", last)
	}
}

// tickerRunner streams partial events until its context is cancelled.
type tickerRunner struct{}

func (tickerRunner) Run(ctx context.Context, inv Invocation) (<-chan Event, error) {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			select {
			case ch <- Event{Status: StatusPartial}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func TestScriptedRunnerDefaultEchoes(t *testing.T) {
	r := &ScriptedRunner{}
	ch, err := r.Run(context.Background(), Invocation{Prompt: "hello"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	ev := <-ch
	if ev.Status != StatusDone || ev.Result != "hello" {
		t.Fatalf("event = %+v", ev)
	}
}
