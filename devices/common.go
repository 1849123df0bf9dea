package devices

import (
	"context"
	"fmt"

	"github.com/OnlyOneSky/remita-e2e/logger"
	"github.com/OnlyOneSky/remita-e2e/models"
)

// Discover enumerates currently reachable devices and simulators across the
// platform backends. filter is "android", "ios" or "" for both platforms.
//
// A backend that is unavailable on the host (no adb, no Xcode tooling)
// degrades that platform to an empty set with a logged warning, it never
// aborts discovery of the other platform. The second return value carries
// devices reported in a non-ready state so callers can surface diagnostics.
// Zero ready devices is not an error here, the caller decides whether that
// is fatal for the run.
func Discover(ctx context.Context, filter string) ([]models.Device, []models.Device) {
	var all []models.Device

	if filter == "" || filter == models.OSAndroid {
		all = append(all, discoverAndroid(ctx)...)
	}

	if filter == "" || filter == models.OSIOS {
		all = append(all, discoverIOS(ctx)...)
	}

	var ready, notReady []models.Device
	for _, device := range all {
		if device.Ready() {
			ready = append(ready, device)
		} else {
			notReady = append(notReady, device)
			logger.RunnerLogger.LogWarn("device_discovery", fmt.Sprintf("Device `%s` (%s) is in state `%s` and is excluded from the run", device.UDID, device.Name, device.State))
		}
	}

	logger.RunnerLogger.LogInfo("device_discovery", fmt.Sprintf("Discovered %d ready device(s), %d not ready", len(ready), len(notReady)))
	return ready, notReady
}
