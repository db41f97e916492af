// Package selftest implements the lifecycle of a single SMART self-test:
// start, poll, abort on timeout and the terminal outcome.
package selftest

import (
	"context"
	"fmt"
	"time"

	"gitlab.com/tozd/go/errors"
)

var (
	// ErrTransport marks a failure to talk to the diagnostic utility. It is an
	// infrastructure fault, never a disk-health finding.
	ErrTransport = errors.Base("diagnostic utility error")
	// ErrUnsupportedKind is returned by ParseKind for unknown test kinds.
	ErrUnsupportedKind = errors.Base("unsupported self-test kind")
)

// Kind is a self-test type.
type Kind string

const (
	Short      Kind = "short"
	Long       Kind = "long"
	Conveyance Kind = "conveyance"
)

// Kinds lists the supported kinds.
var Kinds = []Kind{Short, Long, Conveyance}

// ParseKind converts s into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case Short, Long, Conveyance:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q (must be one of: short, long, conveyance)", ErrUnsupportedKind, s)
}

// Device identifies one physical disk.
type Device struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Type    string `json:"type,omitempty"`
	Model   string `json:"model,omitempty"`
	Serial  string `json:"serial,omitempty"`
	Size    string `json:"size,omitempty"`
	Capable bool   `json:"capable"`
	// PollingMinutes is the vendor estimate of each test's duration.
	PollingMinutes map[Kind]int `json:"polling_minutes,omitempty"`
}

// Status is one poll observation. Progress is meaningful only while !Done.
type Status struct {
	Done     bool
	Passed   bool
	Progress float64
	Detail   string
}

// Tester drives the diagnostic utility for a device.
type Tester interface {
	EstimatedPollingMinutes(ctx context.Context, dev Device, kind Kind) (int, error)
	StartTest(ctx context.Context, dev Device, kind Kind) error
	AbortTest(ctx context.Context, dev Device) error
	PollStatus(ctx context.Context, dev Device) (Status, error)
}

// State of a TestRun.
type State int

const (
	Idle State = iota
	Running
	Passed
	Failed
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed out"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == Passed || s == Failed || s == TimedOut
}

// Outcome is the terminal result of a run.
type Outcome struct {
	State  State
	Detail string
}

// TestRun is the state of one (Device, Kind) self-test. It is owned by the
// goroutine executing it.
type TestRun struct {
	Device   Device
	Kind     Kind
	State    State
	Started  time.Time
	Budget   time.Duration
	Elapsed  time.Duration
	Progress float64
	Outcome  Outcome
}

// ElapsedAt returns the time spent in the test at now. A run that was never
// started has no elapsed time; asking for it is a programming error.
func (r *TestRun) ElapsedAt(now time.Time) time.Duration {
	if r.Started.IsZero() {
		panic(fmt.Sprintf("selftest: elapsed time requested for %s before the test was started", r.Device.Path))
	}
	return now.Sub(r.Started)
}

func (r *TestRun) finish(state State, detail string) {
	r.State = state
	r.Outcome = Outcome{State: state, Detail: detail}
}
