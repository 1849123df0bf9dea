package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/OnlyOneSky/remita-e2e/appium"
	"github.com/OnlyOneSky/remita-e2e/devices"
	"github.com/OnlyOneSky/remita-e2e/logger"
	"github.com/OnlyOneSky/remita-e2e/models"
	"github.com/OnlyOneSky/remita-e2e/stubserver"
)

// State of the per-device lifecycle machine
type State string

const (
	StateIdle            State = "idle"
	StateSessionSetup    State = "session_setup"
	StateReady           State = "ready"
	StateTestSetup       State = "test_setup"
	StateTestRunning     State = "test_running"
	StateTestTeardown    State = "test_teardown"
	StateSessionTeardown State = "session_teardown"
	StateClosed          State = "closed"
)

var validTransitions = map[State][]State{
	StateIdle:            {StateSessionSetup},
	StateSessionSetup:    {StateReady, StateClosed},
	StateReady:           {StateTestSetup, StateSessionTeardown},
	StateTestSetup:       {StateTestRunning, StateTestTeardown},
	StateTestRunning:     {StateTestTeardown},
	StateTestTeardown:    {StateReady},
	StateSessionTeardown: {StateClosed},
	StateClosed:          {},
}

const teardownTimeout = 30 * time.Second

// DriverSession is the automation connection a test body drives.
type DriverSession interface {
	ID() string
	FindElement(ctx context.Context, using, value string) (string, error)
	SendKeys(ctx context.Context, elementID, text string) error
	Click(ctx context.Context, elementID string) error
	ElementText(ctx context.Context, elementID string) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	RestartApp(ctx context.Context, appID string) error
	Close(ctx context.Context) error
}

// StubAdmin is the stub server administrative surface available to tests.
type StubAdmin interface {
	Healthy(ctx context.Context) bool
	CreateStub(ctx context.Context, rule models.StubRule) (string, error)
	LoadMappingFromFile(ctx context.Context, path string) (string, error)
	Reset(ctx context.Context) error
	ListRequests(ctx context.Context, matcher models.RequestMatcher) ([]models.RecordedRequest, error)
	CountRequests(ctx context.Context, matcher models.RequestMatcher) (int, error)
	VerifyRequest(ctx context.Context, method, url string, expected int) error
}

// TestEnv is handed to each test body. Everything in it is scoped to the
// owning device's session.
type TestEnv struct {
	Device  models.Device
	Config  models.EffectiveConfig
	Session DriverSession
	Stubs   StubAdmin
}

// Controller sequences one device through the lifecycle: session setup,
// per-test reset and teardown, session teardown. It owns the DriverSession
// and the bridge handle for the duration of the device's session scope and
// releases them on every exit path.
type Controller struct {
	Config models.EffectiveConfig

	// Collaborators, replaceable in tests
	Provision       func(ctx context.Context, device models.Device, cfg models.EffectiveConfig) error
	OpenSession     func(ctx context.Context, device models.Device, cfg models.EffectiveConfig) (DriverSession, error)
	EstablishBridge func(ctx context.Context, device models.Device, port int) (io.Closer, error)
	StubClient      StubAdmin

	state State
}

// NewController wires the real collaborators for the given effective config.
func NewController(cfg models.EffectiveConfig) *Controller {
	return &Controller{
		Config:    cfg,
		Provision: devices.EnsureInstalled,
		OpenSession: func(ctx context.Context, device models.Device, cfg models.EffectiveConfig) (DriverSession, error) {
			return appium.Open(ctx, device, cfg)
		},
		EstablishBridge: func(ctx context.Context, device models.Device, port int) (io.Closer, error) {
			return devices.EstablishBridge(ctx, device, port)
		},
		StubClient: stubserver.NewClient(cfg),
		state:      StateIdle,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return c.state
}

// RunDevice executes all of the device's invocations inside one session
// scope and returns one result per invocation. Session teardown runs
// unconditionally for every session that reached Ready, including when the
// run context is cancelled mid-suite.
func (c *Controller) RunDevice(ctx context.Context, device models.Device, invocations []Invocation) []Result {
	results := make([]Result, 0, len(invocations))

	c.transition(StateSessionSetup, device)
	session, bridge, err := c.sessionSetup(ctx, device)
	if err != nil {
		logger.RunnerLogger.LogError("lifecycle", fmt.Sprintf("Session setup failed for device `%s`, marking its invocations as errored - %s", device.UDID, err))
		for _, inv := range invocations {
			results = append(results, erroredResult(inv, err))
		}
		c.transition(StateClosed, device)
		return results
	}
	c.transition(StateReady, device)

	defer func() {
		c.transition(StateSessionTeardown, device)
		c.sessionTeardown(session, bridge, device)
		c.transition(StateClosed, device)
	}()

	var fatal error
	for _, inv := range invocations {
		if fatal != nil {
			results = append(results, erroredResult(inv, fatal))
			continue
		}
		if err := ctx.Err(); err != nil {
			results = append(results, erroredResult(inv, fmt.Errorf("run cancelled - %w", err)))
			continue
		}

		result, sessionFatal := c.runInvocation(ctx, inv, session)
		results = append(results, result)
		if sessionFatal != nil {
			logger.RunnerLogger.LogError("lifecycle", fmt.Sprintf("Session-fatal error on device `%s`, remaining invocations will not run - %s", device.UDID, sessionFatal))
			fatal = sessionFatal
		}
	}

	return results
}

// sessionSetup acquires the session-scoped resources in order: app install,
// automation session, network bridge, stub server connectivity. A failure
// releases whatever was already acquired, in reverse order.
func (c *Controller) sessionSetup(ctx context.Context, device models.Device) (DriverSession, io.Closer, error) {
	if err := c.Provision(ctx, device, c.Config); err != nil {
		return nil, nil, err
	}

	session, err := c.OpenSession(ctx, device, c.Config)
	if err != nil {
		return nil, nil, err
	}

	bridge, err := c.EstablishBridge(ctx, device, c.Config.StubServer.Port)
	if err != nil {
		c.closeSession(session, device)
		return nil, nil, err
	}

	if !c.StubClient.Healthy(ctx) {
		c.closeBridge(bridge, device)
		c.closeSession(session, device)
		return nil, nil, &stubserver.UnavailableError{
			Endpoint: c.Config.StubServer.BaseURL,
			Err:      fmt.Errorf("health check failed during session setup"),
		}
	}

	return session, bridge, nil
}

// runInvocation drives one invocation through TestSetup, TestRunning and
// TestTeardown. The second return value is non-nil when the device's session
// can no longer guarantee isolation and must stop.
func (c *Controller) runInvocation(ctx context.Context, inv Invocation, session DriverSession) (Result, error) {
	started := time.Now()
	result := Result{Invocation: inv.ID, Device: inv.Device.UDID, DeviceName: inv.Device.Name}

	var setupErr, bodyErr, fatal error

	c.transition(StateTestSetup, inv.Device)
	if err := session.RestartApp(ctx, c.Config.App.Package); err != nil {
		setupErr = fmt.Errorf("Could not restart app `%s` - %w", c.Config.App.Package, err)
	}
	if setupErr == nil {
		// Mandatory reset before every test body: no stub rule or journal
		// entry from a previous invocation may be observable in this one.
		if err := c.StubClient.Reset(ctx); err != nil {
			setupErr = err
			fatal = err
		}
	}

	if setupErr == nil {
		c.transition(StateTestRunning, inv.Device)
		bodyErr = runTestBody(ctx, inv, &TestEnv{
			Device:  inv.Device,
			Config:  c.Config,
			Session: session,
			Stubs:   c.StubClient,
		})

		// A stub server outage inside the body means the test could not
		// run, not that it ran and failed. Isolation is gone for every
		// later test on this device.
		var unavailable *stubserver.UnavailableError
		if errors.As(bodyErr, &unavailable) {
			setupErr = bodyErr
			fatal = bodyErr
			bodyErr = nil
		}
	}

	c.transition(StateTestTeardown, inv.Device)
	if bodyErr != nil {
		// Capture diagnostics before the reset wipes the server state
		c.captureFailureDiagnostics(inv, session)
	}
	// The teardown reset is unconditional, pass or fail. A failed reset
	// invalidates isolation for every later test on this device.
	if err := c.StubClient.Reset(ctx); err != nil {
		fatal = err
		if setupErr == nil && bodyErr == nil {
			setupErr = err
		}
	}
	c.transition(StateReady, inv.Device)

	switch {
	case setupErr != nil:
		result.Status = StatusErrored
		result.Message = setupErr.Error()
	case bodyErr != nil:
		result.Status = StatusFailed
		result.Message = bodyErr.Error()
	default:
		result.Status = StatusPassed
	}
	result.Duration = time.Since(started)

	logger.RunnerLogger.LogInfo("lifecycle", fmt.Sprintf("Invocation `%s` finished with status `%s` in %s", inv.ID, result.Status, result.Duration.Round(time.Millisecond)))
	return result, fatal
}

// runTestBody shields the lifecycle from panicking test bodies
func runTestBody(ctx context.Context, inv Invocation, env *TestEnv) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("test panicked: %v", r)
		}
	}()

	logger.RunnerLogger.LogInfo("lifecycle", fmt.Sprintf("Running invocation `%s` on device `%s`", inv.ID, inv.Device.UDID))
	return inv.Test.Run(ctx, env)
}

func (c *Controller) captureFailureDiagnostics(inv Invocation, session DriverSession) {
	if !c.Config.Screenshots.OnFailure {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	png, err := session.Screenshot(ctx)
	if err != nil {
		logger.RunnerLogger.LogWarn("lifecycle", fmt.Sprintf("Could not capture failure screenshot for `%s` - %s", inv.ID, err))
		return
	}

	dir := c.Config.Screenshots.OutputDir
	if dir == "" {
		dir = "reports/screenshots"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.RunnerLogger.LogWarn("lifecycle", fmt.Sprintf("Could not create screenshot dir `%s` - %s", dir, err))
		return
	}

	path := filepath.Join(dir, sanitizeToken(inv.ID)+".png")
	if err := os.WriteFile(path, png, 0644); err != nil {
		logger.RunnerLogger.LogWarn("lifecycle", fmt.Sprintf("Could not write failure screenshot `%s` - %s", path, err))
		return
	}

	logger.RunnerLogger.LogInfo("lifecycle", fmt.Sprintf("Failure screenshot for `%s` saved to `%s`", inv.ID, path))
}

// sessionTeardown releases the session-scoped resources in reverse
// acquisition order, with its own context so cancellation of the run does
// not skip cleanup.
func (c *Controller) sessionTeardown(session DriverSession, bridge io.Closer, device models.Device) {
	c.closeSession(session, device)
	c.closeBridge(bridge, device)
}

func (c *Controller) closeSession(session DriverSession, device models.Device) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := session.Close(ctx); err != nil {
		logger.RunnerLogger.LogError("lifecycle", fmt.Sprintf("Could not close session for device `%s` - %s", device.UDID, err))
	}
}

func (c *Controller) closeBridge(bridge io.Closer, device models.Device) {
	if bridge == nil {
		return
	}
	if err := bridge.Close(); err != nil {
		logger.RunnerLogger.LogError("lifecycle", fmt.Sprintf("Could not release network bridge for device `%s` - %s", device.UDID, err))
	}
}

func (c *Controller) transition(to State, device models.Device) {
	allowed := false
	for _, next := range validTransitions[c.state] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		logger.RunnerLogger.LogError("lifecycle", fmt.Sprintf("Invalid lifecycle transition %s -> %s for device `%s`", c.state, to, device.UDID))
	}

	logger.RunnerLogger.LogDebug("lifecycle", fmt.Sprintf("Device `%s` lifecycle %s -> %s", device.UDID, c.state, to))
	c.state = to
}

func erroredResult(inv Invocation, err error) Result {
	return Result{
		Invocation: inv.ID,
		Device:     inv.Device.UDID,
		DeviceName: inv.Device.Name,
		Status:     StatusErrored,
		Message:    err.Error(),
	}
}
