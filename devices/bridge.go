package devices

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/OnlyOneSky/remita-e2e/logger"
	"github.com/OnlyOneSky/remita-e2e/models"
)

// BridgeHandle owns one reverse-forwarded port path between an emulated
// device and the host. For devices that share the host network namespace it
// is inert. Close is idempotent; a leaked handle leaves the forwarded port
// behind and eventually exhausts ports across runs.
type BridgeHandle struct {
	udid   string
	port   int
	mu     sync.Mutex
	active bool
}

// EstablishBridge makes the host-local stub server port reachable from the
// device. Android emulators cannot resolve the host loopback address, so the
// device port is reverse-forwarded to the host port with adb. Physical
// devices and simulators get a no-op handle.
func EstablishBridge(ctx context.Context, device models.Device, port int) (*BridgeHandle, error) {
	handle := &BridgeHandle{udid: device.UDID, port: port}

	if !device.Emulated() {
		return handle, nil
	}

	logger.RunnerLogger.LogInfo("network_bridge", fmt.Sprintf("Reverse-forwarding device port %d to host port %d on `%s`", port, port, device.UDID))

	cmd := exec.CommandContext(ctx, "adb", "-s", device.UDID, "reverse", fmt.Sprintf("tcp:%d", port), fmt.Sprintf("tcp:%d", port))
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("Could not reverse-forward port %d on device `%s` - %s: %s", port, device.UDID, err, string(output))
	}

	handle.active = true
	return handle, nil
}

// Close tears down the forwarded path. Safe to call more than once.
func (h *BridgeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.active {
		return nil
	}
	h.active = false

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "adb", "-s", h.udid, "reverse", "--remove", fmt.Sprintf("tcp:%d", h.port))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("Could not remove reverse-forwarded port %d on device `%s` - %s", h.port, h.udid, err)
	}

	logger.RunnerLogger.LogDebug("network_bridge", fmt.Sprintf("Removed reverse-forwarded port %d on `%s`", h.port, h.udid))
	return nil
}

// RemoveAllBridges clears reverse forwards potentially left behind by an
// earlier interrupted run
func RemoveAllBridges(ctx context.Context) {
	logger.RunnerLogger.LogDebug("network_bridge", "Attempting to remove all `adb` reverse-forwarded ports on run start")

	cmd := exec.CommandContext(ctx, "adb", "reverse", "--remove-all")
	if err := cmd.Run(); err != nil {
		logger.RunnerLogger.LogDebug("network_bridge", fmt.Sprintf("Could not remove `adb` reverse-forwarded ports, there was an error or no devices are connected - %s", err))
	}
}
