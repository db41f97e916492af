package smartp

import (
	"context"
	"fmt"
	"path"
	"slices"

	"github.com/dianlight/smartp/selftest"
)

// DeviceTester drives self-tests through a Client. It implements
// selftest.Tester and the orchestrator's CapabilityChecker and DeviceLister.
type DeviceTester struct {
	client *Client
}

// NewDeviceTester returns a DeviceTester backed by client.
func NewDeviceTester(client *Client) *DeviceTester {
	return &DeviceTester{client: client}
}

// ListDevices enumerates the whole disks of the host. When lsblk is not
// usable the devices smartctl can open are listed instead.
func (t *DeviceTester) ListDevices(ctx context.Context) ([]selftest.Device, error) {
	disks, err := t.client.ListBlockDevices(ctx)
	if err != nil {
		t.client.logHandler.WarnContext(ctx, "lsblk failed, falling back to smartctl scan", "error", err)
		return t.scanDevices(ctx, err)
	}
	devices := make([]selftest.Device, 0, len(disks))
	for _, d := range disks {
		devices = append(devices, selftest.Device{
			Name:   d.Name,
			Path:   d.Path(),
			Model:  d.Model,
			Serial: d.Serial,
			Size:   d.Size,
		})
	}
	return devices, nil
}

func (t *DeviceTester) scanDevices(ctx context.Context, lsblkErr error) ([]selftest.Device, error) {
	scanned, err := t.client.ScanDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w; %w", lsblkErr, err)
	}
	devices := make([]selftest.Device, 0, len(scanned))
	for _, d := range scanned {
		devices = append(devices, selftest.Device{
			Name: path.Base(d.Name),
			Path: d.Name,
			Type: d.Type,
		})
	}
	return devices, nil
}

// IsCapable reports whether dev can run a kind self-test, enabling SMART
// when it is supported but switched off. The device's transport type and
// polling estimates are recorded on dev.
func (t *DeviceTester) IsCapable(ctx context.Context, dev *selftest.Device, kind selftest.Kind) (bool, error) {
	info, err := t.client.GetDeviceInfo(ctx, dev.Path)
	if err != nil {
		return false, err
	}
	dev.Type = info.Device.Type
	if dev.Model == "" {
		dev.Model = info.ModelName
	}
	if dev.Serial == "" {
		dev.Serial = info.SerialNumber
	}

	support := supportFromInfo(info)
	if !support.Available {
		return false, nil
	}
	if !support.Enabled {
		t.client.logHandler.InfoContext(ctx, "SMART is disabled, enabling", "device", dev.Path)
		if err := t.client.EnableSMART(ctx, dev.Path); err != nil {
			return false, err
		}
	}

	tests, err := t.client.GetAvailableSelfTests(ctx, dev.Path)
	if err != nil {
		return false, err
	}
	if len(tests.Available) == 0 {
		return false, fmt.Errorf("%w: no self-tests advertised by %s", ErrSMARTNotSupported, dev.Path)
	}
	dev.PollingMinutes = make(map[selftest.Kind]int, len(tests.Durations))
	for name, minutes := range tests.Durations {
		dev.PollingMinutes[selftest.Kind(name)] = minutes
	}
	if !slices.Contains(tests.Available, string(kind)) {
		t.client.logHandler.InfoContext(ctx, "Self-test not advertised", "device", dev.Path, "test", string(kind), "available", tests.Available)
		return false, nil
	}
	return true, nil
}

// EstimatedPollingMinutes returns the vendor estimate for kind, querying the
// device when the capability check did not record one.
func (t *DeviceTester) EstimatedPollingMinutes(ctx context.Context, dev selftest.Device, kind selftest.Kind) (int, error) {
	if minutes, ok := dev.PollingMinutes[kind]; ok && minutes > 0 {
		return minutes, nil
	}
	tests, err := t.client.GetAvailableSelfTests(ctx, dev.Path)
	if err != nil {
		return 0, err
	}
	if !slices.Contains(tests.Available, string(kind)) {
		return 0, fmt.Errorf("%s self-test not advertised by %s", kind, dev.Path)
	}
	minutes, ok := tests.Durations[string(kind)]
	if !ok {
		return 0, fmt.Errorf("no %s polling estimate for %s", kind, dev.Path)
	}
	return minutes, nil
}

// StartTest starts a kind self-test on dev.
func (t *DeviceTester) StartTest(ctx context.Context, dev selftest.Device, kind selftest.Kind) error {
	return t.client.RunSelfTest(ctx, dev.Path, string(kind))
}

// AbortTest aborts any self-test running on dev.
func (t *DeviceTester) AbortTest(ctx context.Context, dev selftest.Device) error {
	return t.client.AbortSelfTest(ctx, dev.Path)
}

// PollStatus reads the self-test status of dev.
func (t *DeviceTester) PollStatus(ctx context.Context, dev selftest.Device) (selftest.Status, error) {
	st, err := t.client.GetSelfTestStatus(ctx, dev.Path)
	if err != nil {
		return selftest.Status{}, err
	}
	if st.Running {
		status := selftest.Status{Detail: st.Description}
		if st.RemainingPercent >= 0 {
			status.Progress = float64(100-st.RemainingPercent) / 100
		}
		return status, nil
	}
	return selftest.Status{Done: true, Passed: st.Passed, Detail: st.Description}, nil
}
