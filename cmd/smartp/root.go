package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dianlight/smartp/config"
	"github.com/dianlight/smartp/orchestrator"
	"github.com/dianlight/smartp/selftest"
)

// flags holds the raw command-line values; only those the user set
// override the loaded configuration.
type flags struct {
	configFile   string
	testKind     string
	concurrency  int
	verbose      bool
	json         bool
	smartctlPath string
	lsblkPath    string
	pollInterval time.Duration
}

func newRootCmd(exitCode *int) *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "smartp",
		Short: "Run SMART self-tests on all disks in parallel",
		Long: `smartp runs a SMART self-test on every capable disk of the host at once,
reports the outcome per device and exits with the number of devices that
failed, timed out or could not be tested.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			code, err := run(cmd.Context(), cfg, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			*exitCode = code
			return nil
		},
	}

	f.register(cmd)
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func (f *flags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configFile, "config", "", "path to config file (YAML)")
	cmd.Flags().StringVarP(&f.testKind, "test", "t", string(selftest.Short), "self-test to run (short, long, conveyance)")
	cmd.Flags().IntVarP(&f.concurrency, "concurrency", "c", orchestrator.DefaultConcurrency, "maximum number of devices tested at once")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().BoolVar(&f.json, "json", false, "print a JSON report instead of text")
	cmd.Flags().StringVar(&f.smartctlPath, "smartctl", "", "path to smartctl (default: looked up in PATH)")
	cmd.Flags().StringVar(&f.lsblkPath, "lsblk", "lsblk", "path to lsblk")
	cmd.Flags().DurationVar(&f.pollInterval, "poll-interval", selftest.DefaultPollInterval, "self-test status polling interval")
}

// loadConfig loads defaults, file and environment, then applies the flags
// that were set explicitly.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	set := cmd.Flags().Changed
	if set("test") {
		cfg.TestKind = f.testKind
	}
	if set("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if set("verbose") {
		cfg.Verbose = f.verbose
	}
	if set("json") {
		cfg.JSON = f.json
	}
	if set("smartctl") {
		cfg.SmartctlPath = f.smartctlPath
	}
	if set("lsblk") {
		cfg.LsblkPath = f.lsblkPath
	}
	if set("poll-interval") {
		cfg.PollInterval = f.pollInterval
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Execute is the entry point called by main. The process exits with the
// failure count, or 1 when the invocation itself failed.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	err := newRootCmd(&exitCode).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}
