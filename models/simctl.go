package models

// SimctlDevice is one simulator entry from `xcrun simctl list devices -je`
type SimctlDevice struct {
	AvailabilityError    string `json:"availabilityError"`
	DataPath             string `json:"dataPath"`
	LogPath              string `json:"logPath"`
	UDID                 string `json:"udid"`
	IsAvailable          bool   `json:"isAvailable"`
	DeviceTypeIdentifier string `json:"deviceTypeIdentifier"`
	State                string `json:"state"`
	Name                 string `json:"name"`
	LastBootedAt         string `json:"lastBootedAt,omitempty"`
}

// SimctlDevices is the full simctl device listing, keyed by runtime identifier
type SimctlDevices struct {
	SimctlDevice map[string][]SimctlDevice `json:"devices"`
}
