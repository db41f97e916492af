// Package orchestrator runs self-tests across many devices on a bounded
// worker pool and aggregates their outcomes.
package orchestrator

import (
	"context"
	"log/slog"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/dianlight/smartp/selftest"
)

// DefaultConcurrency bounds the number of devices tested at once.
const DefaultConcurrency = 20

// CapabilityChecker decides whether a device can run a kind self-test. It
// may fill in device details such as polling estimates. An error means not
// capable.
type CapabilityChecker interface {
	IsCapable(ctx context.Context, dev *selftest.Device, kind selftest.Kind) (bool, error)
}

// DeviceLister enumerates the block devices of the host.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]selftest.Device, error)
}

// TestRunner executes one device's self-test to completion.
type TestRunner interface {
	Run(ctx context.Context, dev selftest.Device, kind selftest.Kind) (*selftest.TestRun, error)
}

// Result is the terminal state of one dispatched device. Err is set when the
// run could not complete because of an infrastructure fault.
type Result struct {
	Device selftest.Device
	Kind   selftest.Kind
	Run    *selftest.TestRun
	Err    error
}

// Passed reports whether the device passed its self-test.
func (r Result) Passed() bool {
	return r.Err == nil && r.Run != nil && r.Run.State == selftest.Passed
}

// AggregateResult summarises a RunAll invocation. Results are in completion order.
type AggregateResult struct {
	Results      []Result
	FailureCount int
	// NothingToDo is set when no device was eligible for testing.
	NothingToDo bool
}

// Orchestrator dispatches self-tests.
type Orchestrator struct {
	checker  CapabilityChecker
	runner   TestRunner
	logger   *slog.Logger
	onResult func(Result)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithResultHandler registers fn to receive each result as it completes.
// fn is called from the goroutine running RunAll, never concurrently.
func WithResultHandler(fn func(Result)) Option {
	return func(o *Orchestrator) { o.onResult = fn }
}

// New returns an Orchestrator.
func New(checker CapabilityChecker, runner TestRunner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		checker: checker,
		runner:  runner,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func devicePath(d selftest.Device) string { return d.Path }

// Eligible returns the devices able to run a kind self-test, in enumeration
// order. Duplicates are dropped, first occurrence wins. Devices that fail the
// check are logged and excluded. A cancelled ctx is returned as an error:
// checks it failed say nothing about the devices.
func (o *Orchestrator) Eligible(ctx context.Context, devices []selftest.Device, kind selftest.Kind) ([]selftest.Device, error) {
	eligible := make([]selftest.Device, 0, len(devices))
	for _, dev := range lo.UniqBy(devices, devicePath) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		capable, err := o.checker.IsCapable(ctx, &dev, kind)
		switch {
		case err != nil:
			o.logger.WarnContext(ctx, "Excluding device, capability check failed", "device", dev.Path, "error", err)
		case !capable:
			o.logger.InfoContext(ctx, "Device cannot run self-test", "device", dev.Path, "test", string(kind))
		default:
			dev.Capable = true
			o.logger.InfoContext(ctx, "Device is SMART capable", "device", dev.Path)
			eligible = append(eligible, dev)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return eligible, nil
}

// RunAll runs a kind self-test on every device, at most concurrency at a
// time, and waits for all of them. One device's error never stops another.
func (o *Orchestrator) RunAll(ctx context.Context, devices []selftest.Device, kind selftest.Kind, concurrency int) AggregateResult {
	unique := lo.UniqBy(devices, devicePath)
	if dropped := len(devices) - len(unique); dropped > 0 {
		o.logger.WarnContext(ctx, "Ignoring duplicate devices", "count", dropped)
	}
	if len(unique) == 0 {
		o.logger.InfoContext(ctx, "No capable devices, nothing to do")
		return AggregateResult{NothingToDo: true}
	}
	if concurrency < 1 {
		concurrency = 1
	}

	o.logger.InfoContext(ctx, "Running self-tests", "test", string(kind), "devices", len(unique), "concurrency", concurrency)

	results := make(chan Result, len(unique))
	var g errgroup.Group
	g.SetLimit(concurrency)
	go func() {
		for _, dev := range unique {
			dev := dev
			// Blocks while all slots are busy.
			g.Go(func() error {
				run, err := o.runner.Run(ctx, dev, kind)
				if err != nil {
					o.logger.ErrorContext(ctx, "Self-test did not complete", "device", dev.Path, "error", err)
				}
				results <- Result{Device: dev, Kind: kind, Run: run, Err: err}
				return nil
			})
		}
	}()

	agg := AggregateResult{Results: make([]Result, 0, len(unique))}
	for range unique {
		res := <-results
		agg.Results = append(agg.Results, res)
		if o.onResult != nil {
			o.onResult(res)
		}
	}
	// Every Go call happened before its result was received.
	_ = g.Wait()

	agg.FailureCount = lo.CountBy(agg.Results, func(r Result) bool { return !r.Passed() })
	o.logger.InfoContext(ctx, "Self-tests finished", "devices", len(agg.Results), "failures", agg.FailureCount)
	return agg
}
