package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dianlight/tlog"
	"github.com/google/uuid"

	"github.com/dianlight/smartp"
	"github.com/dianlight/smartp/config"
	"github.com/dianlight/smartp/orchestrator"
	"github.com/dianlight/smartp/report"
	"github.com/dianlight/smartp/selftest"
)

// run tests every capable device once and returns the exit code. An error
// means the invocation could not get as far as testing.
func run(ctx context.Context, cfg *config.Config, out io.Writer) (int, error) {
	kind, err := cfg.Kind()
	if err != nil {
		return 0, err
	}

	runID := uuid.NewString()
	logger := newLogger(cfg.Verbose).With("run_id", runID)
	slog.SetDefault(logger)
	logger.DebugContext(ctx, "Configuration loaded", "test", string(kind), "concurrency", cfg.Concurrency, "poll_interval", cfg.PollInterval)

	client, err := smartp.NewClient(
		smartp.WithSmartctlPath(cfg.SmartctlPath),
		smartp.WithLsblkPath(cfg.LsblkPath),
		smartp.WithLogger(logger),
		smartp.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "Cannot use smartctl", "error", err)
		return 0, err
	}
	tester := smartp.NewDeviceTester(client)

	devices, err := tester.ListDevices(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "Cannot enumerate block devices", "error", err)
		return 0, fmt.Errorf("enumerating devices: %w", err)
	}
	logger.InfoContext(ctx, "Found block devices", "count", len(devices))

	runner := selftest.NewRunner(tester,
		selftest.WithPollInterval(cfg.PollInterval),
		selftest.WithPollTimeout(cfg.PollTimeout),
		selftest.WithBudgetMultiplier(cfg.BudgetMultiplier),
		selftest.WithDefaultPollingMinutes(cfg.DefaultPollingMinutes),
		selftest.WithLogger(logger),
	)
	reporter := report.New(out, kind, report.WithJSON(cfg.JSON), report.WithRunID(runID))
	orch := orchestrator.New(tester, runner,
		orchestrator.WithLogger(logger),
		orchestrator.WithResultHandler(reporter.Result),
	)

	eligible, err := orch.Eligible(ctx, devices, kind)
	if err != nil {
		logger.ErrorContext(ctx, "Capability checks interrupted", "error", err)
		return 0, fmt.Errorf("checking devices: %w", err)
	}
	agg := orch.RunAll(ctx, eligible, kind, cfg.Concurrency)
	if err := reporter.Summary(agg); err != nil {
		return 0, err
	}
	return report.ExitCode(agg), nil
}

// newLogger returns the process-wide logger; verbose switches to debug level.
func newLogger(verbose bool) *slog.Logger {
	if verbose {
		return tlog.WithLevel(tlog.LevelDebug)
	}
	return tlog.WithLevel(tlog.LevelInfo)
}
