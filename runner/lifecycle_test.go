package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/OnlyOneSky/remita-e2e/models"
	"github.com/OnlyOneSky/remita-e2e/stubserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects the order of side effects across the fakes so the tests
// can assert sequencing, not just call counts.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) indexOf(event string) int {
	for i, e := range r.list() {
		if e == event {
			return i
		}
	}
	return -1
}

type fakeSession struct {
	rec           *recorder
	failRestartAt int
	restarts      int
	closeCalls    int
}

func (s *fakeSession) ID() string { return "fake-session" }

func (s *fakeSession) FindElement(ctx context.Context, using, value string) (string, error) {
	s.rec.add("find:" + value)
	return "el-1", nil
}

func (s *fakeSession) SendKeys(ctx context.Context, elementID, text string) error { return nil }

func (s *fakeSession) Click(ctx context.Context, elementID string) error { return nil }

func (s *fakeSession) ElementText(ctx context.Context, elementID string) (string, error) {
	return "ok", nil
}

func (s *fakeSession) Screenshot(ctx context.Context) ([]byte, error) {
	s.rec.add("screenshot")
	return []byte("png-bytes"), nil
}

func (s *fakeSession) RestartApp(ctx context.Context, appID string) error {
	s.restarts++
	if s.restarts == s.failRestartAt {
		s.rec.add("restart_failed")
		return errors.New("app would not restart")
	}
	s.rec.add("restart")
	return nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.rec.add("session_close")
	s.closeCalls++
	return nil
}

type fakeBridge struct {
	rec *recorder
}

func (b *fakeBridge) Close() error {
	b.rec.add("bridge_close")
	return nil
}

type fakeStub struct {
	rec         *recorder
	unhealthy   bool
	failResetAt int

	mu      sync.Mutex
	resets  int
	rules   map[string]models.StubRule
	journal int
}

func newFakeStub(rec *recorder) *fakeStub {
	return &fakeStub{rec: rec, rules: make(map[string]models.StubRule)}
}

func (s *fakeStub) Healthy(ctx context.Context) bool {
	s.rec.add("healthy")
	return !s.unhealthy
}

func (s *fakeStub) CreateStub(ctx context.Context, rule models.StubRule) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("rule-%d", len(s.rules)+1)
	s.rules[id] = rule
	s.journal++
	s.rec.add("create_stub")
	return id, nil
}

func (s *fakeStub) LoadMappingFromFile(ctx context.Context, path string) (string, error) {
	return s.CreateStub(ctx, models.StubRule{})
}

func (s *fakeStub) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	if s.resets == s.failResetAt {
		s.rec.add("reset_failed")
		return errors.New("stub server refused the reset")
	}
	s.rules = make(map[string]models.StubRule)
	s.journal = 0
	s.rec.add("reset")
	return nil
}

func (s *fakeStub) ListRequests(ctx context.Context, matcher models.RequestMatcher) ([]models.RecordedRequest, error) {
	return nil, nil
}

func (s *fakeStub) CountRequests(ctx context.Context, matcher models.RequestMatcher) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journal, nil
}

func (s *fakeStub) VerifyRequest(ctx context.Context, method, url string, expected int) error {
	return nil
}

func (s *fakeStub) ruleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rules)
}

var fakeDevice = models.Device{UDID: "emulator-5554", Name: "Pixel 7", OS: models.OSAndroid, Form: models.FormEmulator, State: models.StateOnline}

func fakeConfig() models.EffectiveConfig {
	cfg := models.EffectiveConfig{Platform: models.OSAndroid}
	cfg.App.Package = "com.remita.sample"
	cfg.StubServer.BaseURL = "http://localhost:8090"
	cfg.StubServer.Port = 8090
	return cfg
}

func newFakeController(rec *recorder, stub StubAdmin, session *fakeSession) *Controller {
	return &Controller{
		Config: fakeConfig(),
		Provision: func(ctx context.Context, device models.Device, cfg models.EffectiveConfig) error {
			rec.add("provision")
			return nil
		},
		OpenSession: func(ctx context.Context, device models.Device, cfg models.EffectiveConfig) (DriverSession, error) {
			rec.add("session_open")
			return session, nil
		},
		EstablishBridge: func(ctx context.Context, device models.Device, port int) (io.Closer, error) {
			rec.add("bridge_open")
			return &fakeBridge{rec: rec}, nil
		},
		StubClient: stub,
		state:      StateIdle,
	}
}

func invocationFor(id string, body TestFunc) Invocation {
	return Invocation{ID: id, Test: TestCase{Name: id, Run: body}, Device: fakeDevice}
}

func passingInvocation(rec *recorder, id string) Invocation {
	return invocationFor(id, func(ctx context.Context, env *TestEnv) error {
		rec.add("body:" + id)
		return nil
	})
}

func TestRunDeviceResetsBeforeEveryBody(t *testing.T) {
	rec := &recorder{}
	stub := newFakeStub(rec)
	controller := newFakeController(rec, stub, &fakeSession{rec: rec})

	results := controller.RunDevice(context.Background(), fakeDevice, []Invocation{
		passingInvocation(rec, "t1"),
		passingInvocation(rec, "t2"),
	})

	require.Len(t, results, 2)
	assert.Equal(t, StatusPassed, results[0].Status)
	assert.Equal(t, StatusPassed, results[1].Status)
	assert.Equal(t, StateClosed, controller.State())

	assert.Equal(t, []string{
		"provision", "session_open", "bridge_open", "healthy",
		"restart", "reset", "body:t1", "reset",
		"restart", "reset", "body:t2", "reset",
		"session_close", "bridge_close",
	}, rec.list())
}

func TestRunDeviceFailureCapturesScreenshotBeforeReset(t *testing.T) {
	rec := &recorder{}
	stub := newFakeStub(rec)
	controller := newFakeController(rec, stub, &fakeSession{rec: rec})
	controller.Config.Screenshots.OnFailure = true
	controller.Config.Screenshots.OutputDir = t.TempDir()

	failing := invocationFor("t_fail", func(ctx context.Context, env *TestEnv) error {
		rec.add("body:t_fail")
		return errors.New("welcome banner missing")
	})

	results := controller.RunDevice(context.Background(), fakeDevice, []Invocation{failing})

	require.Len(t, results, 1)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Contains(t, results[0].Message, "welcome banner missing")

	// Diagnostics must be captured while the failing test's server state is
	// still observable, the teardown reset wipes it.
	events := rec.list()
	screenshotAt := rec.indexOf("screenshot")
	require.GreaterOrEqual(t, screenshotAt, 0)
	lastReset := -1
	for i, e := range events {
		if e == "reset" {
			lastReset = i
		}
	}
	assert.Less(t, screenshotAt, lastReset)

	saved, err := os.ReadFile(filepath.Join(controller.Config.Screenshots.OutputDir, "t_fail.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), saved)
}

func TestRunDeviceSetupFailureMarksAllErrored(t *testing.T) {
	rec := &recorder{}
	stub := newFakeStub(rec)
	controller := newFakeController(rec, stub, &fakeSession{rec: rec})
	controller.OpenSession = func(ctx context.Context, device models.Device, cfg models.EffectiveConfig) (DriverSession, error) {
		rec.add("session_open_failed")
		return nil, errors.New("appium not reachable")
	}

	results := controller.RunDevice(context.Background(), fakeDevice, []Invocation{
		passingInvocation(rec, "t1"),
		passingInvocation(rec, "t2"),
	})

	require.Len(t, results, 2)
	for _, result := range results {
		assert.Equal(t, StatusErrored, result.Status)
		assert.Contains(t, result.Message, "appium not reachable")
	}
	assert.Equal(t, StateClosed, controller.State())

	// Nothing past the failing step may have been acquired or released
	events := rec.list()
	assert.NotContains(t, events, "bridge_open")
	assert.NotContains(t, events, "session_close")
	assert.NotContains(t, events, "body:t1")
}

func TestRunDeviceBridgeFailureClosesSession(t *testing.T) {
	rec := &recorder{}
	stub := newFakeStub(rec)
	controller := newFakeController(rec, stub, &fakeSession{rec: rec})
	controller.EstablishBridge = func(ctx context.Context, device models.Device, port int) (io.Closer, error) {
		return nil, errors.New("adb reverse failed")
	}

	results := controller.RunDevice(context.Background(), fakeDevice, []Invocation{passingInvocation(rec, "t1")})

	require.Len(t, results, 1)
	assert.Equal(t, StatusErrored, results[0].Status)
	// The already-opened session is released on the failure path
	assert.Contains(t, rec.list(), "session_close")
}

func TestRunDeviceUnhealthyStubReleasesInReverseOrder(t *testing.T) {
	rec := &recorder{}
	stub := newFakeStub(rec)
	stub.unhealthy = true
	controller := newFakeController(rec, stub, &fakeSession{rec: rec})

	results := controller.RunDevice(context.Background(), fakeDevice, []Invocation{passingInvocation(rec, "t1")})

	require.Len(t, results, 1)
	assert.Equal(t, StatusErrored, results[0].Status)

	bridgeClose := rec.indexOf("bridge_close")
	sessionClose := rec.indexOf("session_close")
	require.GreaterOrEqual(t, bridgeClose, 0)
	require.GreaterOrEqual(t, sessionClose, 0)
	assert.Less(t, bridgeClose, sessionClose)
}

func TestRunDeviceSetupResetFailureSkipsBodyAndStopsSession(t *testing.T) {
	rec := &recorder{}
	stub := newFakeStub(rec)
	stub.failResetAt = 1
	controller := newFakeController(rec, stub, &fakeSession{rec: rec})

	results := controller.RunDevice(context.Background(), fakeDevice, []Invocation{
		passingInvocation(rec, "t1"),
		passingInvocation(rec, "t2"),
	})

	require.Len(t, results, 2)
	assert.Equal(t, StatusErrored, results[0].Status)
	assert.Equal(t, StatusErrored, results[1].Status)
	assert.NotContains(t, rec.list(), "body:t1")
	assert.NotContains(t, rec.list(), "body:t2")
	assert.Contains(t, rec.list(), "session_close")
}

func TestRunDeviceTeardownResetFailureIsSessionFatal(t *testing.T) {
	rec := &recorder{}
	stub := newFakeStub(rec)
	// First reset is t1's setup, second is t1's teardown
	stub.failResetAt = 2
	controller := newFakeController(rec, stub, &fakeSession{rec: rec})

	results := controller.RunDevice(context.Background(), fakeDevice, []Invocation{
		passingInvocation(rec, "t1"),
		passingInvocation(rec, "t2"),
		passingInvocation(rec, "t3"),
	})

	require.Len(t, results, 3)
	// t1 ran and would have passed, but its isolation guarantee is gone
	assert.Equal(t, StatusErrored, results[0].Status)
	assert.Equal(t, StatusErrored, results[1].Status)
	assert.Equal(t, StatusErrored, results[2].Status)

	events := rec.list()
	assert.Contains(t, events, "body:t1")
	assert.NotContains(t, events, "body:t2")
	assert.NotContains(t, events, "body:t3")
	assert.Contains(t, events, "session_close")
	assert.Contains(t, events, "bridge_close")
}

func TestRunDeviceRestartFailureErrorsOnlyThatInvocation(t *testing.T) {
	rec := &recorder{}
	stub := newFakeStub(rec)
	session := &fakeSession{rec: rec, failRestartAt: 1}
	controller := newFakeController(rec, stub, session)

	results := controller.RunDevice(context.Background(), fakeDevice, []Invocation{
		passingInvocation(rec, "t1"),
		passingInvocation(rec, "t2"),
	})

	require.Len(t, results, 2)
	assert.Equal(t, StatusErrored, results[0].Status)
	assert.Equal(t, StatusPassed, results[1].Status)
	assert.NotContains(t, rec.list(), "body:t1")
	assert.Contains(t, rec.list(), "body:t2")
}

func TestRunDeviceStubOutageInBodyIsErroredAndSessionFatal(t *testing.T) {
	rec := &recorder{}
	stub := newFakeStub(rec)
	controller := newFakeController(rec, stub, &fakeSession{rec: rec})

	outage := invocationFor("t_stub_down", func(ctx context.Context, env *TestEnv) error {
		rec.add("body:t_stub_down")
		return fmt.Errorf("could not create login stub - %w", &stubserver.UnavailableError{
			Endpoint: "http://localhost:8090/__admin/mappings",
			Err:      errors.New("connection refused"),
		})
	})

	results := controller.RunDevice(context.Background(), fakeDevice, []Invocation{
		outage,
		passingInvocation(rec, "t2"),
	})

	require.Len(t, results, 2)
	// The test could not run its stubbing, which is not an assertion failure
	assert.Equal(t, StatusErrored, results[0].Status)
	assert.Contains(t, results[0].Message, "could not create login stub")
	// No later test on this device can trust its isolation
	assert.Equal(t, StatusErrored, results[1].Status)
	assert.NotContains(t, rec.list(), "body:t2")
	assert.Contains(t, rec.list(), "session_close")
}

func TestRunDevicePanickingBodyIsFailed(t *testing.T) {
	rec := &recorder{}
	stub := newFakeStub(rec)
	controller := newFakeController(rec, stub, &fakeSession{rec: rec})

	panicking := invocationFor("t_panic", func(ctx context.Context, env *TestEnv) error {
		panic("nil dereference in page object")
	})

	results := controller.RunDevice(context.Background(), fakeDevice, []Invocation{
		panicking,
		passingInvocation(rec, "t2"),
	})

	require.Len(t, results, 2)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Contains(t, results[0].Message, "test panicked")
	// A panic is a test failure, not a session failure
	assert.Equal(t, StatusPassed, results[1].Status)
	assert.Contains(t, rec.list(), "session_close")
}

func TestRunDeviceCancelledRunStillTearsDown(t *testing.T) {
	rec := &recorder{}
	stub := newFakeStub(rec)
	session := &fakeSession{rec: rec}
	controller := newFakeController(rec, stub, session)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := controller.RunDevice(ctx, fakeDevice, []Invocation{
		passingInvocation(rec, "t1"),
		passingInvocation(rec, "t2"),
	})

	require.Len(t, results, 2)
	for _, result := range results {
		assert.Equal(t, StatusErrored, result.Status)
		assert.Contains(t, result.Message, "run cancelled")
	}

	// Cleanup runs on its own context, cancellation never skips it
	assert.Equal(t, 1, session.closeCalls)
	assert.Contains(t, rec.list(), "bridge_close")
	assert.Equal(t, StateClosed, controller.State())
}

func TestRunDeviceStubStateDoesNotLeakBetweenTests(t *testing.T) {
	rec := &recorder{}
	stub := newFakeStub(rec)
	controller := newFakeController(rec, stub, &fakeSession{rec: rec})

	first := invocationFor("t_creates_stub", func(ctx context.Context, env *TestEnv) error {
		_, err := env.Stubs.CreateStub(ctx, models.StubRule{})
		return err
	})
	second := invocationFor("t_expects_clean_server", func(ctx context.Context, env *TestEnv) error {
		if stub.ruleCount() != 0 {
			return fmt.Errorf("found %d leftover stub rules", stub.ruleCount())
		}
		count, err := env.Stubs.CountRequests(ctx, models.RequestMatcher{})
		if err != nil {
			return err
		}
		if count != 0 {
			return fmt.Errorf("journal not empty, %d entries", count)
		}
		return nil
	})

	results := controller.RunDevice(context.Background(), fakeDevice, []Invocation{first, second})

	require.Len(t, results, 2)
	assert.Equal(t, StatusPassed, results[0].Status)
	assert.Equal(t, StatusPassed, results[1].Status)
}

func TestRunDeviceFailureOnOneDeviceDoesNotAffectOthers(t *testing.T) {
	devs := []models.Device{
		{UDID: "emulator-5554", Name: "Pixel A", OS: models.OSAndroid, State: models.StateOnline},
		{UDID: "emulator-5556", Name: "Pixel B", OS: models.OSAndroid, State: models.StateOnline},
		{UDID: "emulator-5558", Name: "Pixel C", OS: models.OSAndroid, State: models.StateOnline},
	}

	var report Report
	for _, device := range devs {
		rec := &recorder{}
		stub := newFakeStub(rec)
		controller := newFakeController(rec, stub, &fakeSession{rec: rec})
		if device.UDID == "emulator-5556" {
			controller.OpenSession = func(ctx context.Context, d models.Device, cfg models.EffectiveConfig) (DriverSession, error) {
				return nil, errors.New("device dropped off the bus")
			}
		}

		inv := passingInvocation(rec, "t1")
		inv.Device = device
		report.Append(controller.RunDevice(context.Background(), device, []Invocation{inv})...)
	}

	results := report.Results()
	require.Len(t, results, 3)
	assert.Equal(t, StatusPassed, results[0].Status)
	assert.Equal(t, StatusErrored, results[1].Status)
	assert.Equal(t, StatusPassed, results[2].Status)

	passed, failed, errored := report.Counts()
	assert.Equal(t, 1, report.ExitCode())
	assert.Equal(t, 2, passed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 1, errored)
}
