package devices

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/OnlyOneSky/remita-e2e/logger"
	"github.com/OnlyOneSky/remita-e2e/models"
	"github.com/danielpaulus/go-ios/ios"
	"github.com/danielpaulus/go-ios/ios/zipconduit"
)

// ProvisionError marks a failed application install on a device. It is
// session-fatal for the owning device only.
type ProvisionError struct {
	UDID string
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning failed for device %s: %v", e.UDID, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// EnsureInstalled guarantees the application under test is present on the
// device before a session starts. When an artifact path is configured the
// artifact is always (re)installed, regardless of what is already on the
// device, so every session starts from the same app build.
func EnsureInstalled(ctx context.Context, device models.Device, cfg models.EffectiveConfig) error {
	if cfg.App.Path == "" {
		if isInstalled(ctx, device, cfg.App.Package) {
			logger.RunnerLogger.LogInfo("app_provision", fmt.Sprintf("App `%s` already installed on `%s` and no artifact path configured, skipping install", cfg.App.Package, device.UDID))
			return nil
		}
		return &ProvisionError{UDID: device.UDID, Err: fmt.Errorf("app `%s` is not installed and no artifact path is configured", cfg.App.Package)}
	}

	if _, err := os.Stat(cfg.App.Path); err != nil {
		return &ProvisionError{UDID: device.UDID, Err: fmt.Errorf("artifact `%s` does not exist - %w", cfg.App.Path, err)}
	}

	if isInstalled(ctx, device, cfg.App.Package) {
		logger.RunnerLogger.LogInfo("app_provision", fmt.Sprintf("App `%s` found on `%s`, reinstalling the configured artifact", cfg.App.Package, device.UDID))
	} else {
		logger.RunnerLogger.LogInfo("app_provision", fmt.Sprintf("App `%s` not found on `%s`, installing", cfg.App.Package, device.UDID))
	}

	var err error
	switch device.OS {
	case models.OSAndroid:
		err = installAppAndroid(ctx, device.UDID, cfg.App.Path)
	case models.OSIOS:
		if device.Form == models.FormSimulator {
			err = installAppSimulator(ctx, device.UDID, cfg.App.Path)
		} else {
			err = installAppIOS(device.UDID, cfg.App.Path)
		}
	default:
		err = fmt.Errorf("unsupported device OS `%s`", device.OS)
	}

	if err != nil {
		return &ProvisionError{UDID: device.UDID, Err: err}
	}

	return nil
}

func isInstalled(ctx context.Context, device models.Device, appPackage string) bool {
	switch device.OS {
	case models.OSAndroid:
		return isInstalledAndroid(ctx, device.UDID, appPackage)
	case models.OSIOS:
		if device.Form == models.FormSimulator {
			return isInstalledSimulator(ctx, device.UDID, appPackage)
		}
		return isInstalledIOS(ctx, device.UDID, appPackage)
	}
	return false
}

func isInstalledAndroid(ctx context.Context, udid, appPackage string) bool {
	cmd := exec.CommandContext(ctx, "adb", "-s", udid, "shell", "pm", "list", "packages", appPackage)

	var outBuffer bytes.Buffer
	cmd.Stdout = &outBuffer
	if err := cmd.Run(); err != nil {
		logger.RunnerLogger.LogDebug("app_provision", fmt.Sprintf("Could not check installed packages on device `%s` - %s", udid, err))
		return false
	}

	return strings.Contains(outBuffer.String(), "package:"+appPackage)
}

func isInstalledSimulator(ctx context.Context, udid, bundleID string) bool {
	cmd := exec.CommandContext(ctx, "xcrun", "simctl", "listapps", udid)

	var outBuffer bytes.Buffer
	cmd.Stdout = &outBuffer
	if err := cmd.Run(); err != nil {
		logger.RunnerLogger.LogDebug("app_provision", fmt.Sprintf("Could not list apps on simulator `%s` - %s", udid, err))
		return false
	}

	return strings.Contains(outBuffer.String(), bundleID)
}

func isInstalledIOS(ctx context.Context, udid, bundleID string) bool {
	cmd := exec.CommandContext(ctx, "ios", "apps", "--udid="+udid)

	var outBuffer bytes.Buffer
	cmd.Stdout = &outBuffer
	if err := cmd.Run(); err != nil {
		logger.RunnerLogger.LogDebug("app_provision", fmt.Sprintf("Could not list apps on device `%s` - %s", udid, err))
		return false
	}

	return strings.Contains(outBuffer.String(), bundleID)
}

func installAppAndroid(ctx context.Context, udid, apkPath string) error {
	cmd := exec.CommandContext(ctx, "adb", "-s", udid, "install", "-r", apkPath)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("Failed executing adb install for `%s` - %s", apkPath, err)
	}
	if !strings.Contains(string(output), "Success") {
		return fmt.Errorf("Device rejected install of `%s` - %s", apkPath, strings.TrimSpace(string(output)))
	}

	return nil
}

func installAppSimulator(ctx context.Context, udid, appPath string) error {
	cmd := exec.CommandContext(ctx, "xcrun", "simctl", "install", udid, appPath)

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("Failed executing simctl install for `%s` - %s: %s", appPath, err, strings.TrimSpace(string(output)))
	}

	return nil
}

// Physical iOS devices get the app pushed over a zip conduit with go-ios
func installAppIOS(udid, appPath string) error {
	entry, err := ios.GetDevice(udid)
	if err != nil {
		return fmt.Errorf("Could not get go-ios DeviceEntry for device `%s` - %s", udid, err)
	}

	conn, err := zipconduit.New(entry)
	if err != nil {
		return fmt.Errorf("Failed creating zip conduit with go-ios - %s", err)
	}

	if err := conn.SendFile(appPath); err != nil {
		return fmt.Errorf("Failed installing `%s` with go-ios - %s", appPath, err)
	}

	return nil
}
