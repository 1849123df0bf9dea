package devices

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/OnlyOneSky/remita-e2e/logger"
	"github.com/OnlyOneSky/remita-e2e/models"
)

// Check if adb is available on the host by starting the server
func adbAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "adb", "start-server")
	logger.RunnerLogger.LogDebug("device_discovery", "Checking if adb is available on host")

	if err := cmd.Run(); err != nil {
		logger.RunnerLogger.LogDebug("device_discovery", fmt.Sprintf("adb is not available or command failed - %s", err))
		return false
	}
	return true
}

func discoverAndroid(ctx context.Context) []models.Device {
	if !adbAvailable(ctx) {
		logger.RunnerLogger.LogWarn("device_discovery", "adb is not available on the host, skipping Android device discovery")
		return nil
	}

	cmd := exec.CommandContext(ctx, "adb", "devices", "-l")

	var outBuffer bytes.Buffer
	cmd.Stdout = &outBuffer
	if err := cmd.Run(); err != nil {
		logger.RunnerLogger.LogWarn("device_discovery", fmt.Sprintf("Could not list Android devices with `adb` - %s", err))
		return nil
	}

	devices := parseAdbDevices(outBuffer.String())

	// Online devices get their OS version and a readable name from getprop
	for i := range devices {
		if !devices[i].Ready() {
			continue
		}
		devices[i].OSVersion = adbGetProp(ctx, devices[i].UDID, "ro.build.version.release")
		if devices[i].Name == "" {
			devices[i].Name = adbGetProp(ctx, devices[i].UDID, "ro.product.model")
		}
		logger.RunnerLogger.LogInfo("device_discovery", fmt.Sprintf("Found Android device `%s` (%s, Android %s)", devices[i].UDID, devices[i].Name, devices[i].OSVersion))
	}

	return devices
}

// parseAdbDevices converts `adb devices -l` output into device descriptors
func parseAdbDevices(output string) []models.Device {
	var devices []models.Device

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		serial := fields[0]
		props := map[string]string{}
		for _, field := range fields[2:] {
			if k, v, found := strings.Cut(field, ":"); found {
				props[k] = v
			}
		}

		model := props["model"]
		device := models.Device{
			UDID:      serial,
			Name:      strings.ReplaceAll(model, "_", " "),
			OS:        models.OSAndroid,
			State:     adbState(fields[1]),
			Form:      androidForm(serial, model),
		}

		devices = append(devices, device)
	}

	return devices
}

func adbState(state string) string {
	switch state {
	case "device":
		return models.StateOnline
	case "offline":
		return models.StateOffline
	case "unauthorized":
		return models.StateUnauthorized
	default:
		// adb reports transient states like `connecting` or `authorizing`
		return models.StateBooting
	}
}

func androidForm(serial, model string) string {
	if strings.HasPrefix(serial, "emulator-") || strings.Contains(strings.ToLower(model), "sdk") || strings.Contains(strings.ToLower(model), "emulator") {
		return models.FormEmulator
	}
	return models.FormPhysical
}

// Read a single system property from an Android device
func adbGetProp(ctx context.Context, serial, prop string) string {
	cmd := exec.CommandContext(ctx, "adb", "-s", serial, "shell", "getprop", prop)

	var outBuffer bytes.Buffer
	cmd.Stdout = &outBuffer
	if err := cmd.Run(); err != nil {
		logger.RunnerLogger.LogDebug("device_discovery", fmt.Sprintf("Could not read property `%s` from device `%s` - %s", prop, serial, err))
		return ""
	}

	return strings.TrimSpace(outBuffer.String())
}
