package models

import "encoding/json"

// Capability is one automation capability map
type Capability map[string]interface{}

// W3CCapabilities is the capabilities object of a W3C new-session request
type W3CCapabilities struct {
	AlwaysMatch Capability   `json:"alwaysMatch"`
	FirstMatch  []Capability `json:"firstMatch,omitempty"`
}

// NewSessionRequest is the payload for POST /session
type NewSessionRequest struct {
	Capabilities W3CCapabilities `json:"capabilities"`
}

// SessionValue is the `value` object returned by a successful session creation
type SessionValue struct {
	SessionID    string                 `json:"sessionId"`
	Capabilities map[string]interface{} `json:"capabilities"`
}

// WebDriverResponse is the standard WebDriver response envelope
type WebDriverResponse struct {
	// Some servers still return the session ID at the top level next to `value`
	SessionID string          `json:"sessionId,omitempty"`
	Value     json.RawMessage `json:"value"`
}

// WebDriverError is the `value` object of a WebDriver error response
type WebDriverError struct {
	ErrorCode string `json:"error"`
	Message   string `json:"message"`
}

// ElementValue is the `value` object returned when finding an element
type ElementValue struct {
	Element string `json:"element-6066-11e4-a52e-4f735466cecf"`
	// Legacy Appium servers use the ELEMENT key instead
	LegacyElement string `json:"ELEMENT"`
}

// ID returns the element identifier regardless of protocol dialect
func (e ElementValue) ID() string {
	if e.Element != "" {
		return e.Element
	}
	return e.LegacyElement
}
