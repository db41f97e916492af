package smartp

import "encoding/json"

// Device represents a storage device as reported by smartctl --scan-open
type Device struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// DeviceIdentity is the device section of smartctl JSON output
type DeviceIdentity struct {
	Name     string `json:"name"`
	InfoName string `json:"info_name,omitempty"`
	Type     string `json:"type"`
	Protocol string `json:"protocol,omitempty"`
}

// DeviceInfo represents the output of smartctl -i -j
type DeviceInfo struct {
	Device       DeviceIdentity `json:"device"`
	ModelFamily  string         `json:"model_family,omitempty"`
	ModelName    string         `json:"model_name,omitempty"`
	SerialNumber string         `json:"serial_number,omitempty"`
	Firmware     string         `json:"firmware_version,omitempty"`
	SmartSupport *SmartSupport  `json:"smart_support,omitempty"`
	Smartctl     *SmartctlInfo  `json:"smartctl,omitempty"`
}

// SmartSupport represents SMART availability and enablement status
type SmartSupport struct {
	Available bool `json:"available"`
	Enabled   bool `json:"enabled"`
}

// SMARTSupportInfo represents SMART support and enablement information
type SMARTSupportInfo struct {
	Available bool
	Enabled   bool
}

// StatusField is a smartctl {value, string, passed} triple.
type StatusField struct {
	Value            int    `json:"value"`
	String           string `json:"string"`
	Passed           *bool  `json:"passed,omitempty"`
	RemainingPercent *int   `json:"remaining_percent,omitempty"`
}

// UnmarshalJSON allows StatusField to be parsed from either a JSON string
// (e.g., "completed") or a structured object with fields {value, string, passed}.
func (s *StatusField) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = StatusField{String: str}
		return nil
	}
	type alias StatusField
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*s = StatusField(tmp)
	return nil
}

// PollingMinutes represents polling minutes for different test types
type PollingMinutes struct {
	Short      int `json:"short,omitempty"`
	Extended   int `json:"extended,omitempty"`
	Conveyance int `json:"conveyance,omitempty"`
}

// SelfTest represents self-test information
type SelfTest struct {
	Status         *StatusField    `json:"status,omitempty"`
	PollingMinutes *PollingMinutes `json:"polling_minutes,omitempty"`
}

// Capabilities represents SMART capabilities
type Capabilities struct {
	SelfTestsSupported          bool `json:"self_tests_supported,omitempty"`
	ConveyanceSelfTestSupported bool `json:"conveyance_self_test_supported,omitempty"`
}

// AtaSmartData represents the ata_smart_data section
type AtaSmartData struct {
	SelfTest     *SelfTest     `json:"self_test,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}

// NvmeControllerCapabilities represents NVMe controller capabilities
type NvmeControllerCapabilities struct {
	SelfTest bool `json:"self_test,omitempty"`
}

// NvmeOptionalAdminCommands represents NVMe optional admin commands
type NvmeOptionalAdminCommands struct {
	SelfTest bool `json:"self_test,omitempty"`
}

// CapabilitiesOutput represents the output of smartctl -c -j
type CapabilitiesOutput struct {
	AtaSmartData               *AtaSmartData               `json:"ata_smart_data,omitempty"`
	NvmeControllerCapabilities *NvmeControllerCapabilities `json:"nvme_controller_capabilities,omitempty"`
	NvmeOptionalAdminCommands  *NvmeOptionalAdminCommands  `json:"nvme_optional_admin_commands,omitempty"`
}

// SelfTestInfo represents available self-tests and their durations
type SelfTestInfo struct {
	Available []string       `json:"available"`
	Durations map[string]int `json:"durations"`
}

// NvmeSelfTestLogEntry is one row of the NVMe self-test log
type NvmeSelfTestLogEntry struct {
	SelfTestCode   *StatusField `json:"self_test_code,omitempty"`
	SelfTestResult *StatusField `json:"self_test_result,omitempty"`
}

// NvmeSelfTestLog represents the nvme_self_test_log section
type NvmeSelfTestLog struct {
	CurrentOperation  *StatusField           `json:"current_self_test_operation,omitempty"`
	CurrentCompletion *int                   `json:"current_self_test_completion_percent,omitempty"`
	Table             []NvmeSelfTestLogEntry `json:"table,omitempty"`
}

// Message represents a message from smartctl
type Message struct {
	String   string `json:"string"`
	Severity string `json:"severity,omitempty"`
}

// SmartctlInfo represents smartctl metadata and messages
type SmartctlInfo struct {
	Version    []int     `json:"version,omitempty"`
	Messages   []Message `json:"messages,omitempty"`
	ExitStatus int       `json:"exit_status,omitempty"`
}

// selfTestOutput is the output of smartctl -j -c -l selftest
type selfTestOutput struct {
	Smartctl        *SmartctlInfo    `json:"smartctl,omitempty"`
	AtaSmartData    *AtaSmartData    `json:"ata_smart_data,omitempty"`
	NvmeSelfTestLog *NvmeSelfTestLog `json:"nvme_self_test_log,omitempty"`
}

// SelfTestStatus is a single observation of a device's self-test execution.
type SelfTestStatus struct {
	Running bool
	Passed  bool
	// RemainingPercent is -1 when the device does not report it.
	RemainingPercent int
	Description      string
}

// ATA self-test execution status: upper nibble is the result code, lower
// nibble the remaining work in tenths while the code is ataSelfTestRunning.
const (
	ataSelfTestPassed  = 0x0
	ataSelfTestRunning = 0xF
)

// checkSelfTestStatus interprets ATA execution status or the NVMe self-test
// log. ATA takes precedence when both are present. Returns nil when the
// output carries neither.
func checkSelfTestStatus(data *selfTestOutput) *SelfTestStatus {
	if data.AtaSmartData != nil && data.AtaSmartData.SelfTest != nil && data.AtaSmartData.SelfTest.Status != nil {
		st := data.AtaSmartData.SelfTest.Status
		code := st.Value >> 4
		status := &SelfTestStatus{
			Running:          code == ataSelfTestRunning,
			Passed:           code == ataSelfTestPassed,
			RemainingPercent: -1,
			Description:      st.String,
		}
		if status.Running {
			status.Passed = false
			if st.RemainingPercent != nil {
				status.RemainingPercent = *st.RemainingPercent
			} else {
				status.RemainingPercent = (st.Value & 0x0F) * 10
			}
		} else if st.Passed != nil {
			status.Passed = *st.Passed
		}
		return status
	}

	if log := data.NvmeSelfTestLog; log != nil {
		if log.CurrentOperation != nil && log.CurrentOperation.Value != 0 {
			status := &SelfTestStatus{
				Running:          true,
				RemainingPercent: -1,
				Description:      log.CurrentOperation.String,
			}
			if log.CurrentCompletion != nil {
				status.RemainingPercent = 100 - *log.CurrentCompletion
			}
			return status
		}
		if len(log.Table) == 0 || log.Table[0].SelfTestResult == nil {
			// Nothing logged yet: the controller has not picked the test up.
			return &SelfTestStatus{Running: true, RemainingPercent: -1, Description: "self-test pending"}
		}
		result := log.Table[0].SelfTestResult
		return &SelfTestStatus{
			Passed:           result.Value == 0,
			RemainingPercent: -1,
			Description:      result.String,
		}
	}

	return nil
}
