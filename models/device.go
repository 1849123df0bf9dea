package models

// Device OS values
const (
	OSAndroid = "android"
	OSIOS     = "ios"
)

// Device form values
const (
	FormEmulator  = "emulator"
	FormSimulator = "simulator"
	FormPhysical  = "physical"
)

// Device state values normalized from the platform tooling
const (
	StateOnline       = "online"
	StateOffline      = "offline"
	StateUnauthorized = "unauthorized"
	StateBooting      = "booting"
)

// Device describes one discovered device or simulator. Descriptors are
// produced fresh on every discovery pass and are never persisted.
type Device struct {
	UDID      string `json:"udid"`
	Name      string `json:"name"`
	OS        string `json:"os"`
	OSVersion string `json:"os_version"`
	Form      string `json:"form"`
	State     string `json:"state"`
}

// Ready reports whether the device can accept an automation session.
func (d Device) Ready() bool {
	return d.State == StateOnline
}

// Emulated reports whether the device is an Android emulator, which cannot
// reach the host loopback address without a bridged port.
func (d Device) Emulated() bool {
	return d.OS == OSAndroid && d.Form == FormEmulator
}
