package selftest

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultPollInterval = time.Second
	// DefaultBudgetMultiplier pads the vendor estimate, which is frequently optimistic.
	DefaultBudgetMultiplier = 3
	// DefaultPollingMinutes is used when a device does not report an estimate.
	DefaultPollingMinutes = 100

	abortTimeout = 30 * time.Second
)

// Runner executes self-tests. A Runner holds no per-run state and may be
// shared by concurrent workers.
type Runner struct {
	tester                Tester
	clock                 Clock
	pollInterval          time.Duration
	budgetMultiplier      int
	defaultPollingMinutes int
	pollTimeout           time.Duration
	logger                *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock sets the time source.
func WithClock(clock Clock) Option {
	return func(r *Runner) { r.clock = clock }
}

// WithPollInterval sets the status polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithBudgetMultiplier sets the factor applied to the vendor estimate.
func WithBudgetMultiplier(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.budgetMultiplier = n
		}
	}
}

// WithDefaultPollingMinutes sets the estimate used when the device has none.
func WithDefaultPollingMinutes(minutes int) Option {
	return func(r *Runner) {
		if minutes > 0 {
			r.defaultPollingMinutes = minutes
		}
	}
}

// WithPollTimeout caps a single start or status call. Calls are always cut
// off once the wait budget plus one poll interval has run out; d only
// shortens that.
func WithPollTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.pollTimeout = d
		}
	}
}

// WithLogger sets the logger. Records are tagged with device and test kind.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner returns a Runner driving tester.
func NewRunner(tester Tester, opts ...Option) *Runner {
	r := &Runner{
		tester:                tester,
		clock:                 RealClock(),
		pollInterval:          DefaultPollInterval,
		budgetMultiplier:      DefaultBudgetMultiplier,
		defaultPollingMinutes: DefaultPollingMinutes,
		logger:                slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WaitBudget converts a polling estimate in minutes into the hard ceiling of a run.
func (r *Runner) WaitBudget(pollingMinutes int) time.Duration {
	return time.Duration(pollingMinutes*r.budgetMultiplier*60) * time.Second
}

// Run starts a kind self-test on dev and polls it until it passes, fails or
// exceeds its wait budget. A start or status call that hangs is cut off once
// the budget plus one poll interval is spent. Firmware-reported failures and
// timeouts, hung calls included, are outcomes on the returned run; the error
// is reserved for failures to talk to the device (wrapping ErrTransport) and
// for context cancellation.
func (r *Runner) Run(ctx context.Context, dev Device, kind Kind) (*TestRun, error) {
	logger := r.logger.With("device", dev.Path, "test", string(kind))
	run := &TestRun{Device: dev, Kind: kind, State: Idle}

	minutes := r.pollingMinutes(ctx, logger, dev, kind)
	run.Budget = r.WaitBudget(minutes)
	logger.InfoContext(ctx, "Starting self-test", "polling_minutes", minutes, "wait_budget", run.Budget)

	// Clear any test left running by an earlier invocation.
	if err := r.tester.AbortTest(ctx, dev); err != nil {
		logger.DebugContext(ctx, "Pre-start abort failed", "error", err)
	}
	run.Started = r.clock.Now()
	run.State = Running
	startCtx, cancel := context.WithTimeout(ctx, r.callTimeout(run))
	err := r.tester.StartTest(startCtx, dev, kind)
	expired := startCtx.Err() != nil
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return run, r.cancelled(ctx, logger, run, ctx.Err())
		}
		if expired {
			return run, r.expired(ctx, logger, run, "start command")
		}
		return run, fmt.Errorf("%w: starting %s self-test on %s: %w", ErrTransport, kind, dev.Path, err)
	}

	for {
		if err := r.clock.Sleep(ctx, r.pollInterval); err != nil {
			return run, r.cancelled(ctx, logger, run, err)
		}

		pollCtx, cancel := context.WithTimeout(ctx, r.callTimeout(run))
		status, err := r.tester.PollStatus(pollCtx, dev)
		expired := pollCtx.Err() != nil
		cancel()
		run.Elapsed = run.ElapsedAt(r.clock.Now())
		if err != nil {
			if ctx.Err() != nil {
				return run, r.cancelled(ctx, logger, run, ctx.Err())
			}
			if expired {
				return run, r.expired(ctx, logger, run, "status poll")
			}
			return run, fmt.Errorf("%w: polling self-test on %s: %w", ErrTransport, dev.Path, err)
		}

		if status.Done {
			if status.Passed {
				run.Progress = 1
				run.finish(Passed, status.Detail)
				logger.InfoContext(ctx, "Self-test passed", "elapsed", run.Elapsed, "detail", status.Detail)
			} else {
				run.finish(Failed, status.Detail)
				logger.ErrorContext(ctx, "Self-test failed", "elapsed", run.Elapsed, "detail", status.Detail)
			}
			return run, nil
		}

		run.Progress = status.Progress
		logger.DebugContext(ctx, "Self-test progress", "progress", status.Progress, "elapsed", run.Elapsed)

		if run.Elapsed > run.Budget {
			logger.ErrorContext(ctx, "Self-test exceeded wait budget", "elapsed", run.Elapsed, "wait_budget", run.Budget)
			if err := r.tester.AbortTest(ctx, dev); err != nil {
				logger.WarnContext(ctx, "Failed to abort self-test", "error", err)
			}
			run.finish(TimedOut, fmt.Sprintf("did not finish within %s", run.Budget))
			return run, nil
		}
	}
}

func (r *Runner) pollingMinutes(ctx context.Context, logger *slog.Logger, dev Device, kind Kind) int {
	minutes, err := r.tester.EstimatedPollingMinutes(ctx, dev, kind)
	switch {
	case err != nil:
		logger.WarnContext(ctx, "No polling estimate, using default", "error", err, "default_minutes", r.defaultPollingMinutes)
	case minutes <= 0:
		logger.DebugContext(ctx, "No polling estimate, using default", "default_minutes", r.defaultPollingMinutes)
	default:
		return minutes
	}
	return r.defaultPollingMinutes
}

// callTimeout bounds one call to the tester: whatever is left of the wait
// budget plus one poll interval, optionally capped by the poll timeout.
func (r *Runner) callTimeout(run *TestRun) time.Duration {
	d := max(run.Budget-run.ElapsedAt(r.clock.Now()), 0) + r.pollInterval
	if r.pollTimeout > 0 {
		d = min(d, r.pollTimeout)
	}
	return d
}

// expired ends a run whose start or status call hung past its deadline. The
// test is aborted as on timeout; the hung call is not an error.
func (r *Runner) expired(ctx context.Context, logger *slog.Logger, run *TestRun, call string) error {
	run.Elapsed = run.ElapsedAt(r.clock.Now())
	logger.ErrorContext(ctx, "Self-test call hung, aborting", "call", call, "elapsed", run.Elapsed, "wait_budget", run.Budget)
	r.abortDetached(ctx, logger, run)
	run.finish(TimedOut, fmt.Sprintf("%s did not return within %s", call, run.Budget))
	return nil
}

// cancelled aborts the in-flight test and returns the cancellation error.
func (r *Runner) cancelled(ctx context.Context, logger *slog.Logger, run *TestRun, cause error) error {
	logger.WarnContext(ctx, "Self-test cancelled, aborting", "progress", run.Progress)
	r.abortDetached(ctx, logger, run)
	return fmt.Errorf("self-test on %s cancelled: %w", run.Device.Path, cause)
}

// abortDetached aborts on a context that survives cancellation of ctx.
func (r *Runner) abortDetached(ctx context.Context, logger *slog.Logger, run *TestRun) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if err := r.tester.AbortTest(abortCtx, run.Device); err != nil {
		logger.WarnContext(ctx, "Failed to abort self-test", "error", err)
	}
}
