// Package report renders self-test results for the terminal or as JSON and
// turns the aggregate into a process exit code.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/samber/lo"

	"github.com/dianlight/smartp/orchestrator"
	"github.com/dianlight/smartp/selftest"
)

// MaxExitCode is the largest portable process exit status.
const MaxExitCode = 255

// ExitCode returns the failure count of agg clamped to MaxExitCode. Exit
// statuses wrap modulo 256, so 256 failures must not read as success.
func ExitCode(agg orchestrator.AggregateResult) int {
	return min(agg.FailureCount, MaxExitCode)
}

// Reporter writes results as they complete and a summary at the end. In
// JSON mode nothing is written until Summary.
type Reporter struct {
	out    io.Writer
	json   bool
	runID  string
	kind   selftest.Kind
	passed *color.Color
	failed *color.Color
	warn   *color.Color
	faint  *color.Color
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithJSON switches the reporter to a single JSON document.
func WithJSON(enabled bool) Option {
	return func(r *Reporter) { r.json = enabled }
}

// WithColor forces colored output on or off. By default color follows
// whether stdout is a terminal.
func WithColor(enabled bool) Option {
	return func(r *Reporter) {
		for _, c := range []*color.Color{r.passed, r.failed, r.warn, r.faint} {
			if enabled {
				c.EnableColor()
			} else {
				c.DisableColor()
			}
		}
	}
}

// WithRunID tags the JSON document with the invocation id.
func WithRunID(id string) Option {
	return func(r *Reporter) { r.runID = id }
}

// New returns a Reporter writing to out for a run of kind tests.
func New(out io.Writer, kind selftest.Kind, opts ...Option) *Reporter {
	r := &Reporter{
		out:    out,
		kind:   kind,
		passed: color.New(color.FgGreen, color.Bold),
		failed: color.New(color.FgRed, color.Bold),
		warn:   color.New(color.FgYellow, color.Bold),
		faint:  color.New(color.Faint),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result writes one device line. It is meant to be registered with
// orchestrator.WithResultHandler.
func (r *Reporter) Result(res orchestrator.Result) {
	if r.json {
		return
	}
	label, c, detail := r.describe(res)
	_, _ = fmt.Fprintf(r.out, "%-16s %-10s ", res.Device.Path, res.Kind)
	_, _ = c.Fprintf(r.out, "%-9s", label)
	if res.Run != nil && !res.Run.Started.IsZero() {
		_, _ = r.faint.Fprintf(r.out, " %8s", res.Run.Elapsed.Round(time.Second))
	}
	if detail != "" {
		_, _ = fmt.Fprintf(r.out, "  %s", detail)
	}
	_, _ = fmt.Fprintln(r.out)
}

func (r *Reporter) describe(res orchestrator.Result) (string, *color.Color, string) {
	if res.Err != nil {
		return "ERROR", r.warn, res.Err.Error()
	}
	if res.Run == nil {
		return "ERROR", r.warn, "no result"
	}
	switch res.Run.State {
	case selftest.Passed:
		return "PASSED", r.passed, res.Run.Outcome.Detail
	case selftest.Failed:
		return "FAILED", r.failed, res.Run.Outcome.Detail
	case selftest.TimedOut:
		return "TIMED OUT", r.failed, fmt.Sprintf("%s (%.0f%% done)", res.Run.Outcome.Detail, res.Run.Progress*100)
	}
	return "ERROR", r.warn, fmt.Sprintf("run ended in state %s", res.Run.State)
}

// Summary writes the closing line, or the whole JSON document in JSON mode.
func (r *Reporter) Summary(agg orchestrator.AggregateResult) error {
	if r.json {
		return r.writeJSON(agg)
	}
	if agg.NothingToDo {
		_, err := r.warn.Fprintln(r.out, "No SMART-capable devices found, nothing to test.")
		return err
	}
	errored := lo.CountBy(agg.Results, func(res orchestrator.Result) bool { return res.Err != nil })
	c := r.passed
	if agg.FailureCount > 0 {
		c = r.failed
	}
	_, err := c.Fprintf(r.out, "%d device(s) tested, %d passed, %d failed (%d errors)\n",
		len(agg.Results), len(agg.Results)-agg.FailureCount, agg.FailureCount, errored)
	return err
}

type jsonResult struct {
	Device         selftest.Device `json:"device"`
	Kind           selftest.Kind   `json:"test"`
	State          string          `json:"state"`
	Detail         string          `json:"detail,omitempty"`
	Error          string          `json:"error,omitempty"`
	Budget         string          `json:"wait_budget,omitempty"`
	ElapsedSeconds float64         `json:"elapsed_seconds"`
	Progress       float64         `json:"progress"`
}

type jsonReport struct {
	RunID        string        `json:"run_id,omitempty"`
	Kind         selftest.Kind `json:"test"`
	NothingToDo  bool          `json:"nothing_to_do"`
	FailureCount int           `json:"failure_count"`
	ExitCode     int           `json:"exit_code"`
	Results      []jsonResult  `json:"results"`
}

func (r *Reporter) writeJSON(agg orchestrator.AggregateResult) error {
	doc := jsonReport{
		RunID:        r.runID,
		Kind:         r.kind,
		NothingToDo:  agg.NothingToDo,
		FailureCount: agg.FailureCount,
		ExitCode:     ExitCode(agg),
		Results: lo.Map(agg.Results, func(res orchestrator.Result, _ int) jsonResult {
			out := jsonResult{Device: res.Device, Kind: res.Kind, State: "error"}
			if res.Err != nil {
				out.Error = res.Err.Error()
			}
			if run := res.Run; run != nil {
				if res.Err == nil {
					out.State = run.State.String()
				}
				out.Detail = run.Outcome.Detail
				out.Budget = run.Budget.String()
				out.ElapsedSeconds = run.Elapsed.Seconds()
				out.Progress = run.Progress
			}
			return out
		}),
	}
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}
