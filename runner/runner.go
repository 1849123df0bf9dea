package runner

import (
	"context"
	"fmt"

	"github.com/OnlyOneSky/remita-e2e/config"
	"github.com/OnlyOneSky/remita-e2e/devices"
	"github.com/OnlyOneSky/remita-e2e/logger"
	"github.com/OnlyOneSky/remita-e2e/models"
)

// Options selects what a run targets.
type Options struct {
	// ConfigDir holds settings.yaml plus one document per platform
	ConfigDir string
	// Platform is "android", "ios" or "" for both
	Platform string
}

// Run is the suite entry point: it resolves configuration, discovers
// devices, expands the declared tests across them and processes one device
// session at a time. Each session is fully independent, so this loop could
// run per-device sessions concurrently, but sequential execution keeps the
// shared stub server free of cross-device reset races.
func Run(ctx context.Context, tests []TestCase, opts Options) (*Report, error) {
	resolver := config.NewResolver(opts.ConfigDir)

	platforms := []string{models.OSAndroid, models.OSIOS}
	if opts.Platform != "" {
		platforms = []string{opts.Platform}
	}

	// Configuration problems abort the run before any device is touched
	configs := make(map[string]models.EffectiveConfig, len(platforms))
	for _, platform := range platforms {
		cfg, err := resolver.Resolve(platform)
		if err != nil {
			return nil, err
		}
		configs[platform] = cfg
	}

	ready, notReady := devices.Discover(ctx, opts.Platform)

	var targets, belowMinVersion []models.Device
	for _, device := range ready {
		if !config.MeetsMinVersion(configs[device.OS], device) {
			logger.RunnerLogger.LogInfo("runner", fmt.Sprintf("Device `%s` (OS %s) is below min_os_version `%s`, skipping", device.UDID, device.OSVersion, configs[device.OS].MinOSVersion))
			belowMinVersion = append(belowMinVersion, device)
			continue
		}
		targets = append(targets, device)
	}

	if len(targets) == 0 {
		return nil, &config.ConfigError{Err: fmt.Errorf("no ready devices found for platform filter %q, nothing to run", opts.Platform)}
	}

	// Clear reverse forwards a previous interrupted run may have left behind
	devices.RemoveAllBridges(ctx)

	invocations := Expand(tests, targets)
	report := NewReport()
	report.RecordExcluded(notReady...)
	report.RecordExcluded(belowMinVersion...)
	logger.RunnerLogger.LogInfo("runner", fmt.Sprintf("Run %s: %d device(s) x %d test(s) = %d invocation(s)", report.RunID, len(targets), len(tests), len(invocations)))

	byDevice := make(map[string][]Invocation, len(targets))
	for _, inv := range invocations {
		byDevice[inv.Device.UDID] = append(byDevice[inv.Device.UDID], inv)
	}

	for _, device := range targets {
		controller := NewController(configs[device.OS])
		report.Append(controller.RunDevice(ctx, device, byDevice[device.UDID])...)
	}

	return report, nil
}
