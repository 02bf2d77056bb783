package command

import "time"

// Type identifies a dispatchable command.
type Type string

// Dispatchable command types.
const (
	TypeWake       Type = "wake"
	TypeScan       Type = "scan"
	TypeUpdateHost Type = "update-host"
	TypeDeleteHost Type = "delete-host"
	TypePingHost   Type = "ping-host"
)

// Policy bounds one command type's execution.
type Policy struct {
	Timeout        time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
	RetryOnFailure bool
}

// policies is the authoritative per-type table.
var policies = map[Type]Policy{
	TypeWake:       {Timeout: 7500 * time.Millisecond, MaxAttempts: 2, RetryDelay: 250 * time.Millisecond, RetryOnFailure: true},
	TypeScan:       {Timeout: 90 * time.Second, MaxAttempts: 1, RetryDelay: 0, RetryOnFailure: false},
	TypeUpdateHost: {Timeout: 5 * time.Second, MaxAttempts: 1, RetryDelay: 200 * time.Millisecond, RetryOnFailure: false},
	TypeDeleteHost: {Timeout: 5 * time.Second, MaxAttempts: 1, RetryDelay: 200 * time.Millisecond, RetryOnFailure: false},
	TypePingHost:   {Timeout: 5 * time.Second, MaxAttempts: 1, RetryDelay: 200 * time.Millisecond, RetryOnFailure: false},
}

// PolicyFor returns the policy for a command type; unknown types get the
// most conservative bounds.
func PolicyFor(t Type) Policy {
	if p, ok := policies[t]; ok {
		return p
	}
	return Policy{Timeout: 5 * time.Second, MaxAttempts: 1}
}
