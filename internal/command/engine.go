// Package command executes C&C commands under per-type timeout, retry and
// idempotency rules, producing exactly one terminal result per commandId.
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kaonis/woly-node/internal/protocol"
	"github.com/kaonis/woly-node/internal/telemetry"
)

// Record retention bounds.
const (
	retentionWindow = 30 * time.Minute
	maxRecords      = 500
)

// State is a command execution state.
type State string

// Execution states. queued → sent → {acknowledged | failed | timed_out}.
const (
	StateQueued       State = "queued"
	StateSent         State = "sent"
	StateAcknowledged State = "acknowledged"
	StateFailed       State = "failed"
	StateTimedOut     State = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateAcknowledged || s == StateFailed || s == StateTimedOut
}

// Outcome is the result payload a command closure produces.
type Outcome struct {
	Success  bool
	Message  string
	Error    string
	HostPing *protocol.HostPing
}

// Func is an idempotent command closure. It must be cancellation-safe:
// partial external effects after ctx expiry are ignored.
type Func func(ctx context.Context) (Outcome, error)

// Sink receives every terminal result exactly once per execution, and again
// (with replay set) for duplicate deliveries of finished commands.
type Sink func(commandID string, commandType Type, out Outcome, replay bool)

// Record tracks one command through its state machine.
type Record struct {
	CommandID  string
	Type       Type
	State      State
	Attempts   int
	ReceivedAt time.Time
	UpdatedAt  time.Time
	LastError  string
	Result     *Outcome
}

type nonRetryableError struct{ err error }

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks an error as terminal: validation failures and
// not-found conditions must not be retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var nre *nonRetryableError
	return errors.As(err, &nre)
}

// Engine is the command reliability engine.
type Engine struct {
	log  zerolog.Logger
	tel  *telemetry.Telemetry
	sink Sink

	mu      sync.Mutex
	records map[string]*Record

	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	policyFor func(Type) Policy
}

// New creates an engine delivering terminal results to sink.
func New(log zerolog.Logger, tel *telemetry.Telemetry, sink Sink) *Engine {
	return &Engine{
		log:     log.With().Str("component", "commands").Logger(),
		tel:     tel,
		sink:    sink,
		records:   make(map[string]*Record),
		now:       time.Now,
		sleep:     sleepCtx,
		policyFor: PolicyFor,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute runs work under the policy for commandType. Duplicate deliveries
// of a finished command replay the cached result without re-executing;
// duplicates of an in-flight command are dropped.
func (e *Engine) Execute(ctx context.Context, commandID string, commandType Type, work Func) {
	e.mu.Lock()
	e.pruneLocked()

	if rec, ok := e.records[commandID]; ok {
		if rec.State.Terminal() && rec.Result != nil {
			result := *rec.Result
			e.mu.Unlock()
			e.log.Info().
				Str("command_id", commandID).
				Str("type", string(commandType)).
				Str("state", string(rec.State)).
				Msg("duplicate delivery, replaying cached result")
			e.sink(commandID, commandType, result, true)
			return
		}
		e.mu.Unlock()
		e.log.Warn().
			Str("command_id", commandID).
			Str("type", string(commandType)).
			Str("state", string(rec.State)).
			Msg("duplicate delivery of in-flight command, dropping")
		return
	}

	rec := &Record{
		CommandID:  commandID,
		Type:       commandType,
		State:      StateQueued,
		ReceivedAt: e.now(),
		UpdatedAt:  e.now(),
	}
	e.records[commandID] = rec
	e.mu.Unlock()

	e.transition(rec, StateSent, "")

	policy := e.policyFor(commandType)
	out, terminal := e.run(ctx, rec, policy, work)

	e.mu.Lock()
	rec.State = terminal
	rec.Result = &out
	rec.UpdatedAt = e.now()
	latency := rec.UpdatedAt.Sub(rec.ReceivedAt)
	e.mu.Unlock()

	e.log.Info().
		Str("command_id", commandID).
		Str("type", string(commandType)).
		Str("state", string(terminal)).
		Bool("success", out.Success).
		Int("attempts", rec.Attempts).
		Dur("latency", latency).
		Msg("command finished")

	e.tel.RecordCommand(string(commandType), out.Success, latency)
	e.sink(commandID, commandType, out, false)
}

// run drives the attempt loop and returns the terminal outcome and state.
func (e *Engine) run(ctx context.Context, rec *Record, policy Policy, work Func) (Outcome, State) {
	var (
		lastOut      Outcome
		lastErr      error
		lastTimedOut bool
	)

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		e.mu.Lock()
		rec.Attempts = attempt
		e.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		out, err := work(attemptCtx)
		timedOut := attemptCtx.Err() != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if err == nil && out.Success {
			return out, StateAcknowledged
		}

		if err == nil {
			// The closure reported failure without throwing.
			lastOut, lastErr, lastTimedOut = out, nil, false
			if !policy.RetryOnFailure || attempt == policy.MaxAttempts {
				break
			}
		} else {
			if timedOut {
				err = fmt.Errorf("command timed out after %dms: %w", policy.Timeout.Milliseconds(), err)
			}
			lastOut, lastErr, lastTimedOut = Outcome{}, err, timedOut
			e.log.Debug().
				Str("command_id", rec.CommandID).
				Int("attempt", attempt).
				Err(err).
				Msg("command attempt failed")
			if IsNonRetryable(err) || ctx.Err() != nil || attempt == policy.MaxAttempts {
				break
			}
		}

		if err := e.sleep(ctx, policy.RetryDelay); err != nil {
			lastErr = err
			break
		}
	}

	if lastErr != nil {
		out := Outcome{Success: false, Error: lastErr.Error()}
		if lastTimedOut {
			return out, StateTimedOut
		}
		return out, StateFailed
	}
	lastOut.Success = false
	return lastOut, StateFailed
}

func (e *Engine) transition(rec *Record, next State, detail string) {
	e.mu.Lock()
	rec.State = next
	rec.UpdatedAt = e.now()
	e.mu.Unlock()
	e.log.Debug().
		Str("command_id", rec.CommandID).
		Str("type", string(rec.Type)).
		Str("state", string(next)).
		Str("detail", detail).
		Msg("command state")
}

// Lookup returns a copy of the record for commandID, if any.
func (e *Engine) Lookup(commandID string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[commandID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// pruneLocked drops terminal records past the retention window, then
// enforces the count ceiling: terminal records go first, oldest first, then
// the oldest of any state.
func (e *Engine) pruneLocked() {
	cutoff := e.now().Add(-retentionWindow)
	for id, rec := range e.records {
		if rec.State.Terminal() && rec.UpdatedAt.Before(cutoff) {
			delete(e.records, id)
		}
	}
	if len(e.records) <= maxRecords {
		return
	}

	all := make([]*Record, 0, len(e.records))
	for _, rec := range e.records {
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool {
		ti, tj := all[i].State.Terminal(), all[j].State.Terminal()
		if ti != tj {
			return ti
		}
		return all[i].UpdatedAt.Before(all[j].UpdatedAt)
	})
	for _, rec := range all {
		if len(e.records) <= maxRecords {
			break
		}
		delete(e.records, rec.CommandID)
	}
}
