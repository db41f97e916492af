package smartp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dianlight/smartp/selftest"
)

const ataCapabilities = `{
	"ata_smart_data": {
		"capabilities": {"self_tests_supported": true},
		"self_test": {"polling_minutes": {"short": 2, "extended": 127}}
	}
}`

func TestDeviceTesterListDevices(t *testing.T) {
	client, _ := newMockClient(t, map[string]*mockCmd{
		lsblkCmd: {output: []byte(lsblkJSON)},
	})

	devices, err := NewDeviceTester(client).ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, selftest.Device{
		Name:   "sda",
		Path:   "/dev/sda",
		Model:  "WDC WD40EFRX-68N32N0",
		Serial: "WD-WCC7K1234567",
		Size:   "3.6T",
	}, devices[0])
}

func TestDeviceTesterListDevicesFallsBackToScan(t *testing.T) {
	client, commander := newMockClient(t, map[string]*mockCmd{
		testSmartctl + " --scan-open --json": {output: []byte(`{"devices": [{"name": "/dev/sda", "type": "sat"}, {"name": "/dev/nvme0", "type": "nvme"}]}`)},
	})

	devices, err := NewDeviceTester(client).ListDevices(context.Background())
	require.NoError(t, err)
	assert.True(t, commander.called(lsblkCmd), "lsblk is tried first")
	assert.Equal(t, []selftest.Device{
		{Name: "sda", Path: "/dev/sda", Type: "sat"},
		{Name: "nvme0", Path: "/dev/nvme0", Type: "nvme"},
	}, devices)
}

func TestDeviceTesterListDevicesBothFail(t *testing.T) {
	client, _ := newMockClient(t, nil)

	_, err := NewDeviceTester(client).ListDevices(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list block devices")
	assert.Contains(t, err.Error(), "failed to scan devices")
}

func TestDeviceTesterIsCapable(t *testing.T) {
	client, commander := newMockClient(t, map[string]*mockCmd{
		testSmartctl + " -i -j /dev/sda": {output: []byte(`{"device": {"name": "/dev/sda", "type": "sat"}, "model_name": "WDC", "serial_number": "123", "smart_support": {"available": true, "enabled": true}}`)},
		testSmartctl + " -c -j /dev/sda": {output: []byte(ataCapabilities)},
	})
	dev := selftest.Device{Name: "sda", Path: "/dev/sda"}

	capable, err := NewDeviceTester(client).IsCapable(context.Background(), &dev, selftest.Short)
	require.NoError(t, err)
	assert.True(t, capable)
	assert.Equal(t, "sat", dev.Type)
	assert.Equal(t, "WDC", dev.Model)
	assert.Equal(t, "123", dev.Serial)
	assert.Equal(t, map[selftest.Kind]int{selftest.Short: 2, selftest.Long: 127}, dev.PollingMinutes)
	assert.False(t, commander.called(testSmartctl+" -s on /dev/sda"))
}

func TestDeviceTesterIsCapableEnablesSMART(t *testing.T) {
	client, commander := newMockClient(t, map[string]*mockCmd{
		testSmartctl + " -i -j /dev/sda": {output: []byte(`{"device": {"name": "/dev/sda", "type": "sat"}, "smart_support": {"available": true, "enabled": false}}`)},
		testSmartctl + " -s on /dev/sda": {},
		testSmartctl + " -c -j /dev/sda": {output: []byte(ataCapabilities)},
	})
	dev := selftest.Device{Name: "sda", Path: "/dev/sda"}

	capable, err := NewDeviceTester(client).IsCapable(context.Background(), &dev, selftest.Short)
	require.NoError(t, err)
	assert.True(t, capable)
	assert.True(t, commander.called(testSmartctl+" -s on /dev/sda"))
}

func TestDeviceTesterIsCapableUnsupported(t *testing.T) {
	client, commander := newMockClient(t, map[string]*mockCmd{
		testSmartctl + " -i -j /dev/sdb": {output: []byte(`{"device": {"name": "/dev/sdb", "type": "scsi"}, "smart_support": {"available": false, "enabled": false}}`)},
	})
	dev := selftest.Device{Name: "sdb", Path: "/dev/sdb"}

	capable, err := NewDeviceTester(client).IsCapable(context.Background(), &dev, selftest.Short)
	require.NoError(t, err)
	assert.False(t, capable)
	assert.False(t, commander.called(testSmartctl+" -c -j /dev/sdb"))
}

func TestDeviceTesterIsCapableNoSelfTests(t *testing.T) {
	client, _ := newMockClient(t, map[string]*mockCmd{
		testSmartctl + " -i -j /dev/sdb": {output: []byte(`{"device": {"name": "/dev/sdb", "type": "sat"}, "smart_support": {"available": true, "enabled": true}}`)},
		testSmartctl + " -c -j /dev/sdb": {output: []byte(`{"ata_smart_data": {}}`)},
	})
	dev := selftest.Device{Name: "sdb", Path: "/dev/sdb"}

	capable, err := NewDeviceTester(client).IsCapable(context.Background(), &dev, selftest.Short)
	assert.False(t, capable)
	assert.ErrorIs(t, err, ErrSMARTNotSupported)
}

func TestDeviceTesterIsCapableRequiresKind(t *testing.T) {
	cmds := map[string]*mockCmd{
		testSmartctl + " -i -j /dev/nvme0n1": {output: []byte(`{"device": {"name": "/dev/nvme0n1", "type": "nvme", "protocol": "NVMe"}}`)},
		testSmartctl + " -c -j /dev/nvme0n1": {output: []byte(`{"nvme_optional_admin_commands": {"self_test": true}}`)},
	}

	tests := []struct {
		kind selftest.Kind
		want bool
	}{
		{selftest.Short, true},
		{selftest.Long, true},
		{selftest.Conveyance, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			client, _ := newMockClient(t, cmds)
			dev := selftest.Device{Name: "nvme0n1", Path: "/dev/nvme0n1"}

			capable, err := NewDeviceTester(client).IsCapable(context.Background(), &dev, tt.kind)
			require.NoError(t, err, "a missing kind is ineligibility, not an error")
			assert.Equal(t, tt.want, capable)
		})
	}
}

func TestDeviceTesterIsCapableInfoError(t *testing.T) {
	client, _ := newMockClient(t, nil)
	dev := selftest.Device{Name: "sdc", Path: "/dev/sdc"}

	capable, err := NewDeviceTester(client).IsCapable(context.Background(), &dev, selftest.Short)
	assert.False(t, capable)
	assert.Error(t, err)
}

func TestDeviceTesterEstimatedPollingMinutes(t *testing.T) {
	client, commander := newMockClient(t, map[string]*mockCmd{
		testSmartctl + " -c -j /dev/sda": {output: []byte(ataCapabilities)},
	})
	tester := NewDeviceTester(client)
	ctx := context.Background()

	recorded := selftest.Device{Path: "/dev/sda", PollingMinutes: map[selftest.Kind]int{selftest.Short: 3}}
	minutes, err := tester.EstimatedPollingMinutes(ctx, recorded, selftest.Short)
	require.NoError(t, err)
	assert.Equal(t, 3, minutes)
	assert.False(t, commander.called(testSmartctl+" -c -j /dev/sda"), "recorded estimate needs no query")

	minutes, err = tester.EstimatedPollingMinutes(ctx, selftest.Device{Path: "/dev/sda"}, selftest.Long)
	require.NoError(t, err)
	assert.Equal(t, 127, minutes)

	_, err = tester.EstimatedPollingMinutes(ctx, selftest.Device{Path: "/dev/sda"}, selftest.Conveyance)
	assert.Error(t, err, "conveyance is not advertised")
}

func TestDeviceTesterStartAndAbort(t *testing.T) {
	client, commander := newMockClient(t, map[string]*mockCmd{
		testSmartctl + " -t conveyance /dev/sda": {},
		testSmartctl + " -X /dev/sda":            {},
	})
	tester := NewDeviceTester(client)
	dev := selftest.Device{Path: "/dev/sda"}

	require.NoError(t, tester.StartTest(context.Background(), dev, selftest.Conveyance))
	require.NoError(t, tester.AbortTest(context.Background(), dev))
	assert.True(t, commander.called(testSmartctl+" -t conveyance /dev/sda"))
	assert.True(t, commander.called(testSmartctl+" -X /dev/sda"))
}

func TestDeviceTesterPollStatus(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   selftest.Status
	}{
		{
			name:   "running with progress",
			output: `{"ata_smart_data": {"self_test": {"status": {"value": 247, "string": "in progress"}}}}`,
			want:   selftest.Status{Progress: 0.3, Detail: "in progress"},
		},
		{
			name:   "pending without progress",
			output: `{"nvme_self_test_log": {}}`,
			want:   selftest.Status{Detail: "self-test pending"},
		},
		{
			name:   "passed",
			output: `{"ata_smart_data": {"self_test": {"status": {"value": 0, "string": "completed without error", "passed": true}}}}`,
			want:   selftest.Status{Done: true, Passed: true, Detail: "completed without error"},
		},
		{
			name:   "failed",
			output: `{"ata_smart_data": {"self_test": {"status": {"value": 121, "string": "completed: read failure", "passed": false}}}}`,
			want:   selftest.Status{Done: true, Detail: "completed: read failure"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newMockClient(t, map[string]*mockCmd{
				testSmartctl + " -j -c -l selftest /dev/sda": {output: []byte(tt.output)},
			})

			status, err := NewDeviceTester(client).PollStatus(context.Background(), selftest.Device{Path: "/dev/sda"})
			require.NoError(t, err)
			assert.Equal(t, tt.want.Done, status.Done)
			assert.Equal(t, tt.want.Passed, status.Passed)
			assert.Equal(t, tt.want.Detail, status.Detail)
			assert.InDelta(t, tt.want.Progress, status.Progress, 1e-9)
		})
	}
}
