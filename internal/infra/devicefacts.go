package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/fleetkit/enrolltrack/internal/domain"
)

// HostFactsCollector implements domain.FactsCollector via gopsutil.
// Disk-encryption status comes from an external probe when available;
// when it is not, the field is simply omitted.
type HostFactsCollector struct {
	encryptionProbe func() (bool, error)
}

// NewHostFactsCollector creates a collector without an encryption probe.
func NewHostFactsCollector() *HostFactsCollector {
	return &HostFactsCollector{}
}

// NewHostFactsCollectorWithProbe wires an external disk-encryption probe.
func NewHostFactsCollectorWithProbe(probe func() (bool, error)) *HostFactsCollector {
	return &HostFactsCollector{encryptionProbe: probe}
}

// Collect gathers host facts. A failed probe degrades to omitted fields,
// never an aborted collection; the returned error is non-nil only when
// nothing at all could be collected.
func (c *HostFactsCollector) Collect() (domain.DeviceFacts, error) {
	var facts domain.DeviceFacts

	info, err := host.Info()
	if err != nil {
		return facts, fmt.Errorf("host info probe failed: %w", err)
	}
	facts.Hostname = info.Hostname
	facts.Platform = info.Platform
	facts.OSVersion = info.PlatformVersion
	if info.BootTime > 0 {
		facts.BootTime = time.Unix(int64(info.BootTime), 0)
	}

	if c.encryptionProbe != nil {
		encrypted, err := c.encryptionProbe()
		if err == nil {
			facts.DiskEncrypted = &encrypted
		}
	}
	return facts, nil
}

// Ensure HostFactsCollector implements domain.FactsCollector.
var _ domain.FactsCollector = (*HostFactsCollector)(nil)

// deviceConfig is the device-configuration snapshot written by the
// provisioning bootstrapper, read once at startup.
type deviceConfig struct {
	EnrollmentType string `json:"enrollment_type"`
}

// DetectEnrollmentType reads the enrollment type from the device
// configuration snapshot at path. A missing or unreadable snapshot means
// the classic ESP flow.
func DetectEnrollmentType(path string) domain.EnrollmentType {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.EnrollmentV1
	}
	var cfg deviceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return domain.EnrollmentV1
	}
	if cfg.EnrollmentType == string(domain.EnrollmentV2) {
		return domain.EnrollmentV2
	}
	return domain.EnrollmentV1
}
