package devices

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/OnlyOneSky/remita-e2e/logger"
	"github.com/OnlyOneSky/remita-e2e/models"
	"github.com/danielpaulus/go-ios/ios"
)

const simRuntimePrefix = "com.apple.CoreSimulator.SimRuntime.iOS-"

// Check if xcrun is available on the host, without it there are no simulators
func xcrunAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "xcrun", "--version")
	logger.RunnerLogger.LogDebug("device_discovery", "Checking if xcrun is available on host")

	if err := cmd.Run(); err != nil {
		logger.RunnerLogger.LogDebug("device_discovery", fmt.Sprintf("xcrun is not available or command failed - %s", err))
		return false
	}
	return true
}

func discoverIOS(ctx context.Context) []models.Device {
	devices := discoverIOSPhysical()
	devices = append(devices, discoverIOSSimulators(ctx)...)
	return devices
}

// Physical devices through the go-ios library, the same way the usbmuxd
// socket would list them
func discoverIOSPhysical() []models.Device {
	deviceList, err := ios.ListDevices()
	if err != nil {
		logger.RunnerLogger.LogWarn("device_discovery", fmt.Sprintf("Could not list iOS devices with `go-ios`, skipping physical iOS discovery - %s", err))
		return nil
	}

	var devices []models.Device
	for _, entry := range deviceList.DeviceList {
		device := models.Device{
			UDID:  entry.Properties.SerialNumber,
			OS:    models.OSIOS,
			Form:  models.FormPhysical,
			State: models.StateOnline,
		}

		plistValues, err := ios.GetValuesPlist(entry)
		if err != nil {
			logger.RunnerLogger.LogDebug("device_discovery", fmt.Sprintf("Could not get info plist values with go-ios for `%s` - %s", device.UDID, err))
		} else {
			if name, ok := plistValues["DeviceName"].(string); ok {
				device.Name = name
			}
			if version, ok := plistValues["ProductVersion"].(string); ok {
				device.OSVersion = version
			}
		}

		logger.RunnerLogger.LogInfo("device_discovery", fmt.Sprintf("Found iOS device `%s` (%s, iOS %s)", device.UDID, device.Name, device.OSVersion))
		devices = append(devices, device)
	}

	return devices
}

func discoverIOSSimulators(ctx context.Context) []models.Device {
	if !xcrunAvailable(ctx) {
		logger.RunnerLogger.LogWarn("device_discovery", "xcrun is not available on the host, skipping iOS simulator discovery")
		return nil
	}

	cmd := exec.CommandContext(ctx, "xcrun", "simctl", "list", "devices", "-je")

	var outBuffer bytes.Buffer
	cmd.Stdout = &outBuffer
	if err := cmd.Run(); err != nil {
		logger.RunnerLogger.LogWarn("device_discovery", fmt.Sprintf("Could not list iOS simulators with `simctl` - %s", err))
		return nil
	}

	devices, err := parseSimctlDevices(outBuffer.Bytes())
	if err != nil {
		logger.RunnerLogger.LogWarn("device_discovery", fmt.Sprintf("Could not parse `simctl` device list output - %s", err))
		return nil
	}

	for _, device := range devices {
		if device.Ready() {
			logger.RunnerLogger.LogInfo("device_discovery", fmt.Sprintf("Found booted iOS simulator `%s` (%s, iOS %s)", device.UDID, device.Name, device.OSVersion))
		}
	}

	return devices
}

// parseSimctlDevices converts `simctl list devices -je` JSON into device
// descriptors. Shut-down simulators are images, not reachable devices, so
// only booted and booting ones are reported.
func parseSimctlDevices(data []byte) ([]models.Device, error) {
	var simData models.SimctlDevices
	if err := json.Unmarshal(data, &simData); err != nil {
		return nil, err
	}

	// Runtime keys are sorted so discovery order is stable across passes
	runtimes := make([]string, 0, len(simData.SimctlDevice))
	for runtime := range simData.SimctlDevice {
		runtimes = append(runtimes, runtime)
	}
	sort.Strings(runtimes)

	var devices []models.Device
	for _, runtime := range runtimes {
		if !strings.HasPrefix(runtime, simRuntimePrefix) {
			continue
		}
		sims := simData.SimctlDevice[runtime]
		version := strings.ReplaceAll(strings.TrimPrefix(runtime, simRuntimePrefix), "-", ".")

		for _, sim := range sims {
			if !sim.IsAvailable {
				continue
			}

			var state string
			switch sim.State {
			case "Booted":
				state = models.StateOnline
			case "Booting":
				state = models.StateBooting
			default:
				continue
			}

			devices = append(devices, models.Device{
				UDID:      sim.UDID,
				Name:      sim.Name,
				OS:        models.OSIOS,
				OSVersion: version,
				Form:      models.FormSimulator,
				State:     state,
			})
		}
	}

	return devices, nil
}
