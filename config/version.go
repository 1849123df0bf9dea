package config

import (
	"fmt"

	"github.com/Masterminds/semver"
	"github.com/OnlyOneSky/remita-e2e/logger"
	"github.com/OnlyOneSky/remita-e2e/models"
)

// MeetsMinVersion reports whether the device OS version satisfies the
// configured min_os_version. Devices with unparseable versions are kept,
// discovery already logged what it knows about them.
func MeetsMinVersion(cfg models.EffectiveConfig, device models.Device) bool {
	if cfg.MinOSVersion == "" {
		return true
	}

	minimum, err := semver.NewVersion(cfg.MinOSVersion)
	if err != nil {
		logger.RunnerLogger.LogWarn("config_version_gate", fmt.Sprintf("Could not parse min_os_version `%s`, skipping version gate - %v", cfg.MinOSVersion, err))
		return true
	}

	current, err := semver.NewVersion(device.OSVersion)
	if err != nil {
		return true
	}

	return !current.LessThan(minimum)
}
