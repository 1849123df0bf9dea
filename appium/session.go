package appium

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/OnlyOneSky/remita-e2e/logger"
	"github.com/OnlyOneSky/remita-e2e/models"
)

// Element location strategies understood by the automation server
const (
	ByAccessibilityID = "accessibility id"
	ByXPath           = "xpath"
	ByID              = "id"
)

// SessionError marks automation server connection failures, capability
// rejections and timeouts. It is session-fatal for the owning device only.
type SessionError struct {
	UDID string
	Err  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("automation session failed for device %s: %v", e.UDID, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Session owns one live automation-protocol connection bound to exactly one
// device. Its lifetime spans the device's entire test run.
type Session struct {
	device  models.Device
	baseURL string
	client  *http.Client

	mu     sync.Mutex
	id     string
	closed bool
}

// One session per device at a time, opening a second one is a caller bug
var (
	openMu       sync.Mutex
	openSessions = map[string]*Session{}
)

// Open creates a new session on the automation server, injecting the
// device-specific capabilities built from the effective config.
func Open(ctx context.Context, device models.Device, cfg models.EffectiveConfig) (*Session, error) {
	timeout := time.Duration(cfg.Timeouts.SessionCreate) * time.Second
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	s := &Session{
		device:  device,
		baseURL: strings.TrimSuffix(cfg.Appium.ServerURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}

	// Reserve the device before talking to the server so two concurrent
	// Open calls cannot both pass the existence check
	openMu.Lock()
	if _, exists := openSessions[device.UDID]; exists {
		openMu.Unlock()
		return nil, &SessionError{UDID: device.UDID, Err: fmt.Errorf("a session is already open for this device")}
	}
	openSessions[device.UDID] = s
	openMu.Unlock()

	release := func() {
		openMu.Lock()
		delete(openSessions, device.UDID)
		openMu.Unlock()
	}

	request := models.NewSessionRequest{
		Capabilities: models.W3CCapabilities{
			AlwaysMatch: BuildCapabilities(device, cfg),
			FirstMatch:  []models.Capability{{}},
		},
	}

	body, err := json.Marshal(request)
	if err != nil {
		release()
		return nil, &SessionError{UDID: device.UDID, Err: fmt.Errorf("could not marshal new session request - %w", err)}
	}

	logger.RunnerLogger.LogInfo("driver_session", fmt.Sprintf("Creating automation session for device `%s` at %s", device.UDID, s.baseURL))

	response, err := s.do(ctx, http.MethodPost, s.baseURL+"/session", body)
	if err != nil {
		release()
		return nil, &SessionError{UDID: device.UDID, Err: err}
	}

	var sessionValue models.SessionValue
	if err := json.Unmarshal(response.Value, &sessionValue); err != nil {
		release()
		return nil, &SessionError{UDID: device.UDID, Err: fmt.Errorf("could not parse session creation response - %w", err)}
	}

	s.id = sessionValue.SessionID
	if s.id == "" {
		// Older servers return the session ID next to `value`
		s.id = response.SessionID
	}
	if s.id == "" {
		release()
		return nil, &SessionError{UDID: device.UDID, Err: fmt.Errorf("automation server did not return a session ID")}
	}

	if cfg.Timeouts.ImplicitWait > 0 {
		if err := s.setImplicitWait(ctx, cfg.Timeouts.ImplicitWait); err != nil {
			logger.RunnerLogger.LogWarn("driver_session", fmt.Sprintf("Could not set implicit wait for session `%s` - %s", s.id, err))
		}
	}

	logger.RunnerLogger.LogInfo("driver_session", fmt.Sprintf("Created automation session `%s` for device `%s`", s.id, device.UDID))
	return s, nil
}

// ID returns the session identifier issued by the automation server.
func (s *Session) ID() string {
	return s.id
}

// Device returns the descriptor this session is bound to.
func (s *Session) Device() models.Device {
	return s.device
}

// Close deletes the session on the automation server. It is idempotent,
// closing an already-closed session does nothing and returns nil.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.id == "" {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	id := s.id
	s.mu.Unlock()

	openMu.Lock()
	delete(openSessions, s.device.UDID)
	openMu.Unlock()

	logger.RunnerLogger.LogInfo("driver_session", fmt.Sprintf("Closing automation session `%s` for device `%s`", id, s.device.UDID))

	_, err := s.do(ctx, http.MethodDelete, s.sessionURL(""), nil)
	if err != nil {
		return &SessionError{UDID: s.device.UDID, Err: fmt.Errorf("could not close session `%s` - %w", id, err)}
	}
	return nil
}

// FindElement locates an element and returns its identifier
func (s *Session) FindElement(ctx context.Context, using, value string) (string, error) {
	payload, _ := json.Marshal(map[string]string{"using": using, "value": value})

	response, err := s.do(ctx, http.MethodPost, s.sessionURL("/element"), payload)
	if err != nil {
		return "", &SessionError{UDID: s.device.UDID, Err: err}
	}

	var element models.ElementValue
	if err := json.Unmarshal(response.Value, &element); err != nil {
		return "", &SessionError{UDID: s.device.UDID, Err: fmt.Errorf("could not parse element response - %w", err)}
	}
	if element.ID() == "" {
		return "", &SessionError{UDID: s.device.UDID, Err: fmt.Errorf("no element found for %s=%s", using, value)}
	}

	return element.ID(), nil
}

// SendKeys types text into an element
func (s *Session) SendKeys(ctx context.Context, elementID, text string) error {
	payload, _ := json.Marshal(map[string]string{"text": text})

	if _, err := s.do(ctx, http.MethodPost, s.sessionURL("/element/"+elementID+"/value"), payload); err != nil {
		return &SessionError{UDID: s.device.UDID, Err: err}
	}
	return nil
}

// Click taps an element
func (s *Session) Click(ctx context.Context, elementID string) error {
	if _, err := s.do(ctx, http.MethodPost, s.sessionURL("/element/"+elementID+"/click"), []byte("{}")); err != nil {
		return &SessionError{UDID: s.device.UDID, Err: err}
	}
	return nil
}

// ElementText returns the visible text of an element
func (s *Session) ElementText(ctx context.Context, elementID string) (string, error) {
	response, err := s.do(ctx, http.MethodGet, s.sessionURL("/element/"+elementID+"/text"), nil)
	if err != nil {
		return "", &SessionError{UDID: s.device.UDID, Err: err}
	}

	var text string
	if err := json.Unmarshal(response.Value, &text); err != nil {
		return "", &SessionError{UDID: s.device.UDID, Err: fmt.Errorf("could not parse element text response - %w", err)}
	}
	return text, nil
}

// Screenshot returns the current screen as PNG bytes
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	response, err := s.do(ctx, http.MethodGet, s.sessionURL("/screenshot"), nil)
	if err != nil {
		return nil, &SessionError{UDID: s.device.UDID, Err: err}
	}

	var encoded string
	if err := json.Unmarshal(response.Value, &encoded); err != nil {
		return nil, &SessionError{UDID: s.device.UDID, Err: fmt.Errorf("could not parse screenshot response - %w", err)}
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &SessionError{UDID: s.device.UDID, Err: fmt.Errorf("could not decode screenshot - %w", err)}
	}
	return decoded, nil
}

// TerminateApp stops the app on the device, a not-running app is not an error
func (s *Session) TerminateApp(ctx context.Context, appID string) error {
	payload, _ := json.Marshal(map[string]string{"appId": appID, "bundleId": appID})

	if _, err := s.do(ctx, http.MethodPost, s.sessionURL("/appium/device/terminate_app"), payload); err != nil {
		return &SessionError{UDID: s.device.UDID, Err: err}
	}
	return nil
}

// ActivateApp brings the app to the foreground, launching it if needed
func (s *Session) ActivateApp(ctx context.Context, appID string) error {
	payload, _ := json.Marshal(map[string]string{"appId": appID, "bundleId": appID})

	if _, err := s.do(ctx, http.MethodPost, s.sessionURL("/appium/device/activate_app"), payload); err != nil {
		return &SessionError{UDID: s.device.UDID, Err: err}
	}
	return nil
}

// RestartApp restarts the application under test to a known cold state
func (s *Session) RestartApp(ctx context.Context, appID string) error {
	if err := s.TerminateApp(ctx, appID); err != nil {
		// The app may simply not be running yet
		logger.RunnerLogger.LogDebug("driver_session", fmt.Sprintf("Could not terminate app `%s` on device `%s` - %s", appID, s.device.UDID, err))
	}
	return s.ActivateApp(ctx, appID)
}

func (s *Session) setImplicitWait(ctx context.Context, seconds int) error {
	payload, _ := json.Marshal(map[string]int{"implicit": seconds * 1000})

	_, err := s.do(ctx, http.MethodPost, s.sessionURL("/timeouts"), payload)
	return err
}

func (s *Session) sessionURL(path string) string {
	return s.baseURL + "/session/" + s.id + path
}

func (s *Session) do(ctx context.Context, method, url string, body []byte) (models.WebDriverResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return models.WebDriverResponse{}, fmt.Errorf("could not create request to %s - %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return models.WebDriverResponse{}, fmt.Errorf("request to automation server failed - %w", err)
	}
	defer res.Body.Close()

	responseBody, err := io.ReadAll(res.Body)
	if err != nil {
		return models.WebDriverResponse{}, fmt.Errorf("could not read automation server response - %w", err)
	}

	var response models.WebDriverResponse
	if len(responseBody) > 0 {
		if err := json.Unmarshal(responseBody, &response); err != nil {
			return models.WebDriverResponse{}, fmt.Errorf("could not parse automation server response - %w", err)
		}
	}

	if res.StatusCode >= 400 {
		var wdErr models.WebDriverError
		if len(response.Value) > 0 {
			_ = json.Unmarshal(response.Value, &wdErr)
		}
		if wdErr.Message != "" {
			return models.WebDriverResponse{}, fmt.Errorf("automation server returned %d (%s): %s", res.StatusCode, wdErr.ErrorCode, wdErr.Message)
		}
		return models.WebDriverResponse{}, fmt.Errorf("automation server returned status %d", res.StatusCode)
	}

	return response, nil
}
