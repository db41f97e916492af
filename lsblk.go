package smartp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// BlockDevice is a whole disk as reported by lsblk
type BlockDevice struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Size   string `json:"size"`
	Model  string `json:"model"`
	Serial string `json:"serial"`
}

// Path returns the device node of the block device.
func (b BlockDevice) Path() string {
	return "/dev/" + b.Name
}

// ListBlockDevices lists the whole disks of the host. Partitions, loop
// devices and optical drives are left out.
func (c *Client) ListBlockDevices(ctx context.Context) ([]BlockDevice, error) {
	ctx = c.ctx(ctx)
	cmd := c.commander.Command(ctx, c.logHandler, c.lsblkPath, "-J", "-d", "-o", "NAME,TYPE,SIZE,MODEL,SERIAL")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list block devices: %w", err)
	}

	var result struct {
		BlockDevices []BlockDevice `json:"blockdevices"`
	}
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("failed to parse lsblk output: %w", err)
	}

	disks := make([]BlockDevice, 0, len(result.BlockDevices))
	for _, d := range result.BlockDevices {
		if d.Type != "disk" {
			c.logHandler.DebugContext(ctx, "Skipping block device", "name", d.Name, "type", d.Type)
			continue
		}
		d.Model = strings.TrimSpace(d.Model)
		d.Serial = strings.TrimSpace(d.Serial)
		disks = append(disks, d)
	}
	return disks, nil
}
