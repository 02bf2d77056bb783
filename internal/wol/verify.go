package wol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kaonis/woly-node/internal/store"
)

// Verification parameter bounds, enforced at the request boundary.
const (
	MinVerifyTimeout      = 500 * time.Millisecond
	MaxVerifyTimeout      = 60 * time.Second
	MinVerifyPollInterval = 100 * time.Millisecond
	MaxVerifyPollInterval = 10 * time.Second
)

// VerifyStatus is the terminal outcome of a verification run.
type VerifyStatus string

// Verification outcomes.
const (
	StatusNotRequested VerifyStatus = "not_requested"
	StatusWoke         VerifyStatus = "woke"
	StatusTimeout      VerifyStatus = "timeout"
	StatusNotConfirmed VerifyStatus = "not_confirmed"
	StatusHostNotFound VerifyStatus = "host_not_found"
	StatusError        VerifyStatus = "error"
)

// VerifyParams tunes one verification run.
type VerifyParams struct {
	Enabled      bool
	Timeout      time.Duration
	PollInterval time.Duration
}

// Validate enforces the parameter bounds.
func (p VerifyParams) Validate() error {
	if p.Timeout < MinVerifyTimeout || p.Timeout > MaxVerifyTimeout {
		return fmt.Errorf("verify timeout must be within [%v, %v]", MinVerifyTimeout, MaxVerifyTimeout)
	}
	if p.PollInterval < MinVerifyPollInterval || p.PollInterval > MaxVerifyPollInterval {
		return fmt.Errorf("verify poll interval must be within [%v, %v]", MinVerifyPollInterval, MaxVerifyPollInterval)
	}
	return nil
}

// VerifyResult reports how (and whether) a host was observed awake.
type VerifyResult struct {
	Enabled            bool         `json:"enabled"`
	Status             VerifyStatus `json:"status"`
	Attempts           int          `json:"attempts"`
	TimeoutMs          int64        `json:"timeoutMs"`
	PollIntervalMs     int64        `json:"pollIntervalMs"`
	ElapsedMs          int64        `json:"elapsedMs"`
	LastObservedStatus string       `json:"lastObservedStatus,omitempty"`
	Source             string       `json:"source,omitempty"`
	Message            string       `json:"message,omitempty"`
}

// HostGetter is the slice of the store the verifier reads.
type HostGetter interface {
	GetByName(name string) (*store.Host, error)
}

// Prober is the ICMP probe the verifier uses.
type Prober interface {
	IsHostAlive(ctx context.Context, ip string) bool
}

// Verifier polls the store and ICMP until a woken host is observed awake
// or the deadline passes.
type Verifier struct {
	log    zerolog.Logger
	hosts  HostGetter
	prober Prober

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewVerifier creates a Verifier.
func NewVerifier(log zerolog.Logger, hosts HostGetter, prober Prober) *Verifier {
	return &Verifier{
		log:    log.With().Str("component", "wake-verify").Logger(),
		hosts:  hosts,
		prober: prober,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Verify polls until the named host is observed awake, the deadline
// passes, or an error ends the run.
func (v *Verifier) Verify(ctx context.Context, name string, params VerifyParams) (result VerifyResult) {
	result = VerifyResult{
		Enabled:        params.Enabled,
		Status:         StatusNotRequested,
		TimeoutMs:      params.Timeout.Milliseconds(),
		PollIntervalMs: params.PollInterval.Milliseconds(),
	}
	if !params.Enabled {
		return result
	}
	if err := params.Validate(); err != nil {
		result.Status = StatusError
		result.Message = err.Error()
		return result
	}

	start := v.now()
	deadline := start.Add(params.Timeout)
	defer func() {
		result.ElapsedMs = v.now().Sub(start).Milliseconds()
	}()

	for {
		result.Attempts++

		host, err := v.hosts.GetByName(name)
		if errors.Is(err, store.ErrNotFound) {
			result.Status = StatusHostNotFound
			return result
		}
		if err != nil {
			result.Status = StatusError
			result.Message = err.Error()
			return result
		}

		result.LastObservedStatus = host.Status
		if host.Status == store.StatusAwake {
			result.Status = StatusWoke
			result.Source = "database"
			return result
		}
		if host.IP == "" {
			result.Status = StatusNotConfirmed
			result.Message = "host has no IP address to probe"
			return result
		}
		if v.prober.IsHostAlive(ctx, host.IP) {
			result.Status = StatusWoke
			result.Source = "ping"
			return result
		}

		remaining := deadline.Sub(v.now())
		if remaining <= 0 {
			result.Status = StatusTimeout
			return result
		}
		wait := params.PollInterval
		if wait > remaining {
			wait = remaining
		}
		if err := v.sleep(ctx, wait); err != nil {
			result.Status = StatusError
			result.Message = err.Error()
			return result
		}
	}
}
