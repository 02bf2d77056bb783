package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kaonis/woly-node/internal/telemetry"
)

type sinkCall struct {
	commandID string
	out       Outcome
	replay    bool
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (r *recordingSink) fn(commandID string, commandType Type, out Outcome, replay bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sinkCall{commandID: commandID, out: out, replay: replay})
}

func (r *recordingSink) all() []sinkCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sinkCall{}, r.calls...)
}

func testEngine(t *testing.T, policy Policy) (*Engine, *recordingSink, *telemetry.Telemetry) {
	t.Helper()
	sink := &recordingSink{}
	tel := telemetry.New()
	e := New(zerolog.Nop(), tel, sink.fn)
	e.policyFor = func(Type) Policy { return policy }
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e, sink, tel
}

func TestExecuteSuccess(t *testing.T) {
	e, sink, tel := testEngine(t, Policy{Timeout: time.Second, MaxAttempts: 1})

	e.Execute(context.Background(), "c1", TypeWake, func(ctx context.Context) (Outcome, error) {
		return Outcome{Success: true, Message: "done"}, nil
	})

	calls := sink.all()
	if len(calls) != 1 {
		t.Fatalf("expected 1 sink call, got %d", len(calls))
	}
	if !calls[0].out.Success || calls[0].out.Message != "done" || calls[0].replay {
		t.Errorf("unexpected call: %+v", calls[0])
	}

	rec, ok := e.Lookup("c1")
	if !ok || rec.State != StateAcknowledged || rec.Attempts != 1 {
		t.Errorf("unexpected record: %+v", rec)
	}

	snap := tel.Snapshot()
	if snap.Commands.Total != 1 || snap.Commands.Success != 1 {
		t.Errorf("unexpected telemetry: %+v", snap.Commands)
	}
}

func TestExecuteRetryThenSuccess(t *testing.T) {
	e, sink, _ := testEngine(t, Policy{Timeout: time.Second, MaxAttempts: 3, RetryDelay: time.Millisecond})

	attempts := 0
	e.Execute(context.Background(), "c1", TypeWake, func(ctx context.Context) (Outcome, error) {
		attempts++
		if attempts < 3 {
			return Outcome{}, errors.New("transient")
		}
		return Outcome{Success: true}, nil
	})

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	rec, _ := e.Lookup("c1")
	if rec.State != StateAcknowledged {
		t.Errorf("state = %q, want acknowledged", rec.State)
	}
	if len(sink.all()) != 1 {
		t.Errorf("expected exactly one terminal result")
	}
}

func TestExecuteNonRetryableStopsImmediately(t *testing.T) {
	e, sink, _ := testEngine(t, Policy{Timeout: time.Second, MaxAttempts: 3, RetryDelay: time.Millisecond})

	attempts := 0
	e.Execute(context.Background(), "c1", TypeUpdateHost, func(ctx context.Context) (Outcome, error) {
		attempts++
		return Outcome{}, NonRetryable(errors.New("host not found"))
	})

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	rec, _ := e.Lookup("c1")
	if rec.State != StateFailed {
		t.Errorf("state = %q, want failed", rec.State)
	}
	calls := sink.all()
	if len(calls) != 1 || calls[0].out.Success || calls[0].out.Error == "" {
		t.Errorf("unexpected result: %+v", calls)
	}
}

func TestExecuteTimeout(t *testing.T) {
	e, sink, _ := testEngine(t, Policy{Timeout: 30 * time.Millisecond, MaxAttempts: 2, RetryDelay: time.Millisecond, RetryOnFailure: true})

	attempts := 0
	e.Execute(context.Background(), "c1", TypeWake, func(ctx context.Context) (Outcome, error) {
		attempts++
		<-ctx.Done() // hang until the per-attempt deadline fires
		return Outcome{}, ctx.Err()
	})

	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	rec, _ := e.Lookup("c1")
	if rec.State != StateTimedOut {
		t.Errorf("state = %q, want timed_out", rec.State)
	}
	calls := sink.all()
	if len(calls) != 1 {
		t.Fatalf("expected 1 result, got %d", len(calls))
	}
	if calls[0].out.Success || !strings.Contains(calls[0].out.Error, "timed out") {
		t.Errorf("unexpected result: %+v", calls[0].out)
	}
}

func TestExecuteFailureOutcomeRetryPolicy(t *testing.T) {
	// RetryOnFailure off: a success=false outcome terminates immediately.
	e, sink, _ := testEngine(t, Policy{Timeout: time.Second, MaxAttempts: 3, RetryOnFailure: false})
	attempts := 0
	e.Execute(context.Background(), "c1", TypeScan, func(ctx context.Context) (Outcome, error) {
		attempts++
		return Outcome{Success: false, Error: "scan already in progress"}, nil
	})
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	rec, _ := e.Lookup("c1")
	if rec.State != StateFailed {
		t.Errorf("state = %q, want failed", rec.State)
	}
	if calls := sink.all(); calls[0].out.Error != "scan already in progress" {
		t.Errorf("outcome not preserved: %+v", calls[0].out)
	}

	// RetryOnFailure on: failed outcomes are retried.
	e2, _, _ := testEngine(t, Policy{Timeout: time.Second, MaxAttempts: 2, RetryOnFailure: true})
	attempts = 0
	e2.Execute(context.Background(), "c2", TypeWake, func(ctx context.Context) (Outcome, error) {
		attempts++
		return Outcome{Success: false, Error: "no luck"}, nil
	})
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestExecuteDuplicateReplaysCachedResult(t *testing.T) {
	e, sink, tel := testEngine(t, Policy{Timeout: time.Second, MaxAttempts: 1})

	executions := 0
	work := func(ctx context.Context) (Outcome, error) {
		executions++
		return Outcome{Success: true, Message: "Scan completed, found 3 hosts"}, nil
	}

	e.Execute(context.Background(), "s1", TypeScan, work)
	e.Execute(context.Background(), "s1", TypeScan, work)

	if executions != 1 {
		t.Errorf("work executed %d times, want 1", executions)
	}
	calls := sink.all()
	if len(calls) != 2 {
		t.Fatalf("expected 2 results, got %d", len(calls))
	}
	if calls[0].replay || !calls[1].replay {
		t.Errorf("replay flags wrong: %+v", calls)
	}
	if calls[0].out.Message != calls[1].out.Message {
		t.Errorf("replayed result differs: %q vs %q", calls[0].out.Message, calls[1].out.Message)
	}

	// Telemetry counts only the first execution.
	if snap := tel.Snapshot(); snap.Commands.Total != 1 {
		t.Errorf("telemetry total = %d, want 1", snap.Commands.Total)
	}
}

func TestExecuteInFlightDuplicateDropped(t *testing.T) {
	e, sink, _ := testEngine(t, Policy{Timeout: time.Second, MaxAttempts: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	go e.Execute(context.Background(), "c1", TypeScan, func(ctx context.Context) (Outcome, error) {
		close(started)
		<-release
		return Outcome{Success: true}, nil
	})

	<-started
	// Duplicate while the original is still in flight: dropped silently.
	e.Execute(context.Background(), "c1", TypeScan, func(ctx context.Context) (Outcome, error) {
		t.Error("duplicate executed")
		return Outcome{}, nil
	})
	close(release)

	deadline := time.After(time.Second)
	for len(sink.all()) == 0 {
		select {
		case <-deadline:
			t.Fatal("original execution never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if calls := sink.all(); len(calls) != 1 {
		t.Errorf("expected 1 result, got %d", len(calls))
	}
}

func TestPruning(t *testing.T) {
	e, _, _ := testEngine(t, Policy{Timeout: time.Second, MaxAttempts: 1})

	base := time.Now()
	clock := base
	e.now = func() time.Time { return clock }

	ok := func(ctx context.Context) (Outcome, error) { return Outcome{Success: true}, nil }

	e.Execute(context.Background(), "old", TypeScan, ok)

	// Terminal records past the retention window are dropped.
	clock = base.Add(31 * time.Minute)
	e.Execute(context.Background(), "fresh", TypeScan, ok)
	if _, found := e.Lookup("old"); found {
		t.Error("aged-out record not pruned")
	}
	if _, found := e.Lookup("fresh"); !found {
		t.Error("fresh record missing")
	}

	// Ceiling: oldest terminal records evicted first.
	for i := 0; i < maxRecords+10; i++ {
		clock = clock.Add(time.Millisecond)
		e.Execute(context.Background(), fmt.Sprintf("bulk-%d", i), TypeScan, ok)
	}
	e.mu.Lock()
	count := len(e.records)
	e.mu.Unlock()
	if count > maxRecords+1 {
		t.Errorf("record count %d exceeds ceiling", count)
	}
}
