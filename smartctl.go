// Package smartp runs SMART self-tests on the storage devices of a host.
//
// The root package wraps the smartctl and lsblk command-line utilities and
// exposes the primitives the self-test state machine drives: capability
// checks, starting and aborting tests and polling their status.
package smartp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"

	"github.com/dianlight/tlog"
	"gitlab.com/tozd/go/errors"
)

var (
	// ErrSMARTNotSupported is returned when a device does not expose SMART.
	ErrSMARTNotSupported = errors.Base("SMART not supported")
	// ErrInvalidTestType is returned for a self-test type smartctl does not know.
	ErrInvalidTestType = errors.Base("invalid self-test type")
)

// logAdapter is the logging surface the client needs; *tlog.Logger and
// *slog.Logger satisfy it.
type logAdapter interface {
	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}

// Commander interface for executing commands
type Commander interface {
	Command(ctx context.Context, logger logAdapter, name string, arg ...string) Cmd
}

// Cmd interface for command execution
type Cmd interface {
	Output() ([]byte, error)
	Run() error
}

// execCommander implements Commander using os/exec
type execCommander struct{}

func (e execCommander) Command(ctx context.Context, logger logAdapter, name string, arg ...string) Cmd {
	logger.DebugContext(ctx, "Executing command", "name", name, "args", arg)
	return exec.CommandContext(ctx, name, arg...)
}

// Client represents a smartctl/lsblk client
type Client struct {
	smartctlPath string
	lsblkPath    string
	commander    Commander
	logHandler   logAdapter
	defaultCtx   context.Context
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSmartctlPath sets the smartctl binary. When unset, smartctl is looked up in PATH.
func WithSmartctlPath(path string) ClientOption {
	return func(c *Client) {
		c.smartctlPath = path
	}
}

// WithLsblkPath sets the lsblk binary used for block device enumeration.
func WithLsblkPath(path string) ClientOption {
	return func(c *Client) {
		c.lsblkPath = path
	}
}

// WithCommander replaces the command executor (for testing)
func WithCommander(commander Commander) ClientOption {
	return func(c *Client) {
		c.commander = commander
	}
}

// WithLogHandler sets the logger used by the client.
func WithLogHandler(logger *tlog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logHandler = logger
		}
	}
}

// WithLogger sets a slog logger, for callers that already carry one with
// invocation attributes attached.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logHandler = logger
		}
	}
}

// WithContext sets the context used when a method is called with a nil context.
func WithContext(ctx context.Context) ClientOption {
	return func(c *Client) {
		if ctx != nil {
			c.defaultCtx = ctx
		}
	}
}

// NewClient creates a new client. The smartctl binary must be at least 7.0,
// the first release with JSON output.
func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{
		lsblkPath:  "lsblk",
		commander:  execCommander{},
		logHandler: tlog.NewLoggerWithLevel(tlog.LevelInfo),
		defaultCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.smartctlPath == "" {
		path, err := exec.LookPath("smartctl")
		if err != nil {
			return nil, fmt.Errorf("smartctl not found in PATH: %w", err)
		}
		c.smartctlPath = path
	}

	if err := c.ensureCompatibleSmartctl(c.defaultCtx); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) ctx(ctx context.Context) context.Context {
	if ctx == nil {
		return c.defaultCtx
	}
	return ctx
}

// smartctl runs smartctl with args and returns its output. smartctl encodes
// device conditions in its exit status bits, so a failed run that still
// produced output is reported through exitErr rather than err.
func (c *Client) smartctl(ctx context.Context, args ...string) (output []byte, exitErr error, err error) {
	cmd := c.commander.Command(ctx, c.logHandler, c.smartctlPath, args...)
	output, runErr := cmd.Output()
	if runErr == nil {
		return output, nil, nil
	}
	if len(output) > 0 {
		return output, runErr, nil
	}
	return nil, nil, runErr
}

// ScanDevices scans for available storage devices
func (c *Client) ScanDevices(ctx context.Context) ([]Device, error) {
	ctx = c.ctx(ctx)
	output, _, err := c.smartctl(ctx, "--scan-open", "--json")
	if err != nil {
		return nil, fmt.Errorf("failed to scan devices: %w", err)
	}

	var result struct {
		Devices []Device `json:"devices"`
	}
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("failed to parse scan output: %w", err)
	}
	return result.Devices, nil
}

// GetDeviceInfo retrieves identity and SMART support information for a device
func (c *Client) GetDeviceInfo(ctx context.Context, devicePath string) (*DeviceInfo, error) {
	ctx = c.ctx(ctx)
	output, exitErr, err := c.smartctl(ctx, "-i", "-j", devicePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get device info: %w", err)
	}

	var info DeviceInfo
	if err := json.Unmarshal(output, &info); err != nil {
		return nil, fmt.Errorf("failed to parse device info: %w", err)
	}
	c.logMessages(ctx, devicePath, info.Smartctl)
	if exitErr != nil && info.Device.Name == "" {
		// smartctl could not open the device; the output only carries messages.
		return &info, fmt.Errorf("failed to get device info: %w", exitErr)
	}
	return &info, nil
}

// IsSMARTSupported checks if SMART is supported on a device and if it's enabled
func (c *Client) IsSMARTSupported(ctx context.Context, devicePath string) (*SMARTSupportInfo, error) {
	info, err := c.GetDeviceInfo(ctx, devicePath)
	if err != nil {
		return nil, err
	}
	return supportFromInfo(info), nil
}

func supportFromInfo(info *DeviceInfo) *SMARTSupportInfo {
	if info.SmartSupport != nil {
		return &SMARTSupportInfo{
			Available: info.SmartSupport.Available,
			Enabled:   info.SmartSupport.Enabled,
		}
	}

	// NVMe devices have no smart_support section; health logs are always on.
	if info.Device.Protocol == "NVMe" || info.Device.Type == "nvme" {
		return &SMARTSupportInfo{Available: true, Enabled: true}
	}

	return &SMARTSupportInfo{}
}

// EnableSMART enables SMART monitoring on a device
func (c *Client) EnableSMART(ctx context.Context, devicePath string) error {
	ctx = c.ctx(ctx)
	cmd := c.commander.Command(ctx, c.logHandler, c.smartctlPath, "-s", "on", devicePath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to enable SMART: %w", err)
	}
	c.logHandler.InfoContext(ctx, "Enabled SMART", "device", devicePath)
	return nil
}

// GetAvailableSelfTests returns the list of available self-test types and their durations for a device
func (c *Client) GetAvailableSelfTests(ctx context.Context, devicePath string) (*SelfTestInfo, error) {
	ctx = c.ctx(ctx)
	output, _, err := c.smartctl(ctx, "-c", "-j", devicePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get capabilities: %w", err)
	}

	var caps CapabilitiesOutput
	if err := json.Unmarshal(output, &caps); err != nil {
		return nil, fmt.Errorf("failed to parse capabilities: %w", err)
	}

	info := &SelfTestInfo{
		Available: []string{},
		Durations: make(map[string]int),
	}

	// ATA
	if caps.AtaSmartData != nil {
		if capabilities := caps.AtaSmartData.Capabilities; capabilities != nil {
			if capabilities.SelfTestsSupported {
				info.Available = append(info.Available, "short", "long")
			}
			if capabilities.ConveyanceSelfTestSupported {
				info.Available = append(info.Available, "conveyance")
			}
		}
		if caps.AtaSmartData.SelfTest != nil && caps.AtaSmartData.SelfTest.PollingMinutes != nil {
			pm := caps.AtaSmartData.SelfTest.PollingMinutes
			if pm.Short > 0 {
				info.Durations["short"] = pm.Short
			}
			if pm.Extended > 0 {
				info.Durations["long"] = pm.Extended
			}
			if pm.Conveyance > 0 {
				info.Durations["conveyance"] = pm.Conveyance
			}
		}
	}

	// NVMe: short and extended tests come together; smartctl reports no durations.
	if (caps.NvmeControllerCapabilities != nil && caps.NvmeControllerCapabilities.SelfTest) ||
		(caps.NvmeOptionalAdminCommands != nil && caps.NvmeOptionalAdminCommands.SelfTest) {
		info.Available = append(info.Available, "short", "long")
	}

	return info, nil
}

// RunSelfTest initiates a SMART self-test
func (c *Client) RunSelfTest(ctx context.Context, devicePath string, testType string) error {
	ctx = c.ctx(ctx)
	switch testType {
	case "short", "long", "conveyance":
	default:
		return fmt.Errorf("%w: %s (must be one of: short, long, conveyance)", ErrInvalidTestType, testType)
	}

	cmd := c.commander.Command(ctx, c.logHandler, c.smartctlPath, "-t", testType, devicePath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to run self-test: %w", err)
	}
	return nil
}

// AbortSelfTest aborts a running self-test on a device
func (c *Client) AbortSelfTest(ctx context.Context, devicePath string) error {
	ctx = c.ctx(ctx)
	cmd := c.commander.Command(ctx, c.logHandler, c.smartctlPath, "-X", devicePath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to abort self-test: %w", err)
	}
	return nil
}

// GetSelfTestStatus reads the current self-test execution status and the
// most recent self-test log entry.
func (c *Client) GetSelfTestStatus(ctx context.Context, devicePath string) (*SelfTestStatus, error) {
	ctx = c.ctx(ctx)
	output, _, err := c.smartctl(ctx, "-j", "-c", "-l", "selftest", devicePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get self-test status: %w", err)
	}

	var data selfTestOutput
	if err := json.Unmarshal(output, &data); err != nil {
		return nil, fmt.Errorf("failed to parse self-test status: %w", err)
	}
	c.logMessages(ctx, devicePath, data.Smartctl)

	status := checkSelfTestStatus(&data)
	if status == nil {
		return nil, fmt.Errorf("%w: no self-test status for %s", ErrSMARTNotSupported, devicePath)
	}
	return status, nil
}

// logMessages logs smartctl diagnostics, suppressing repeats within the cache TTL.
func (c *Client) logMessages(ctx context.Context, devicePath string, info *SmartctlInfo) {
	if info == nil {
		return
	}
	for _, msg := range info.Messages {
		if !globalMessageCache.shouldLog(devicePath+": "+msg.String, msg.Severity) {
			continue
		}
		switch msg.Severity {
		case "error":
			c.logHandler.ErrorContext(ctx, "smartctl message", "device", devicePath, "message", msg.String)
		case "warning":
			c.logHandler.WarnContext(ctx, "smartctl message", "device", devicePath, "message", msg.String)
		default:
			c.logHandler.DebugContext(ctx, "smartctl message", "device", devicePath, "message", msg.String)
		}
	}
}

// ensureCompatibleSmartctl runs "smartctl -V" and checks the version is supported.
func (c *Client) ensureCompatibleSmartctl(ctx context.Context) error {
	out, err := c.commander.Command(ctx, c.logHandler, c.smartctlPath, "-V").Output()
	if err != nil {
		return fmt.Errorf("failed to check smartctl version: %w", err)
	}
	major, minor, err := parseSmartctlVersion(string(out))
	if err != nil {
		return fmt.Errorf("unable to parse smartctl version: %w", err)
	}
	const minMajor, minMinor = 7, 0
	if major < minMajor || (major == minMajor && minor < minMinor) {
		return fmt.Errorf("unsupported smartctl version %d.%d; require >= %d.%d", major, minor, minMajor, minMinor)
	}
	return nil
}

var smartctlVersionPattern = regexp.MustCompile(`(?m)\bsmartctl\s+(\d+)\.(\d+)\b`)

// parseSmartctlVersion extracts the major and minor version numbers from
// the output of "smartctl -V". Expected forms include lines like:
//
//	"smartctl 7.3 2022-02-28 r5338 ..." or "smartctl 7.5 ...".
func parseSmartctlVersion(output string) (int, int, error) {
	m := smartctlVersionPattern.FindStringSubmatch(output)
	if len(m) != 3 {
		return 0, 0, fmt.Errorf("version pattern not found in output")
	}
	major, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid major version: %w", err)
	}
	minor, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid minor version: %w", err)
	}
	return major, minor, nil
}
