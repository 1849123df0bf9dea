package appium

import (
	"github.com/OnlyOneSky/remita-e2e/models"
)

// BuildCapabilities deep-copies the platform capability template and overlays
// the device identity fields. One EffectiveConfig can therefore serve several
// devices without capability cross-contamination between their sessions.
func BuildCapabilities(device models.Device, cfg models.EffectiveConfig) models.Capability {
	caps := deepCopyMap(cfg.Capabilities)
	if caps == nil {
		caps = models.Capability{}
	}

	if _, ok := caps["platformName"]; !ok {
		switch device.OS {
		case models.OSAndroid:
			caps["platformName"] = "Android"
		case models.OSIOS:
			caps["platformName"] = "iOS"
		}
	}
	if _, ok := caps["appium:automationName"]; !ok {
		switch device.OS {
		case models.OSAndroid:
			caps["appium:automationName"] = "UiAutomator2"
		case models.OSIOS:
			caps["appium:automationName"] = "XCUITest"
		}
	}

	caps["appium:udid"] = device.UDID
	caps["appium:deviceName"] = device.Name
	if device.OSVersion != "" {
		caps["appium:platformVersion"] = device.OSVersion
	}

	if cfg.App.Path != "" {
		caps["appium:app"] = cfg.App.Path
	}
	switch device.OS {
	case models.OSAndroid:
		caps["appium:appPackage"] = cfg.App.Package
	case models.OSIOS:
		caps["appium:bundleId"] = cfg.App.Package
	}

	return caps
}

func deepCopyMap(src map[string]interface{}) models.Capability {
	if src == nil {
		return nil
	}

	dst := make(models.Capability, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v interface{}) interface{} {
	switch value := v.(type) {
	case map[string]interface{}:
		return map[string]interface{}(deepCopyMap(value))
	case []interface{}:
		copied := make([]interface{}, len(value))
		for i, item := range value {
			copied[i] = deepCopyValue(item)
		}
		return copied
	default:
		return v
	}
}
