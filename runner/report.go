package runner

import (
	"fmt"
	"sync"
	"time"

	"github.com/OnlyOneSky/remita-e2e/logger"
	"github.com/OnlyOneSky/remita-e2e/models"
	"github.com/google/uuid"
)

// Status of one finished invocation. `errored` means the invocation could
// not run, as opposed to `failed` which means it ran and an assertion failed.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusErrored Status = "errored"
)

// Result is the outcome of one invocation, tagged with the owning device.
type Result struct {
	Invocation string        `json:"invocation"`
	Device     string        `json:"device"`
	DeviceName string        `json:"device_name,omitempty"`
	Status     Status        `json:"status"`
	Message    string        `json:"message,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Report collects results across all devices of a run.
type Report struct {
	RunID     string
	StartedAt time.Time

	mu       sync.Mutex
	results  []Result
	excluded []models.Device
}

func NewReport() *Report {
	return &Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
}

func (r *Report) Append(results ...Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, results...)
}

// RecordExcluded notes devices that were discovered but did not take part in
// the run, so the summary can tell the operator why a device is missing.
func (r *Report) RecordExcluded(devices ...models.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.excluded = append(r.excluded, devices...)
}

// Excluded returns a copy of the devices recorded as excluded from the run.
func (r *Report) Excluded() []models.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Device, len(r.excluded))
	copy(out, r.excluded)
	return out
}

// Results returns a copy of the collected results in execution order.
func (r *Report) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, len(r.results))
	copy(out, r.results)
	return out
}

// Counts returns the number of passed, failed and errored invocations.
func (r *Report) Counts() (passed, failed, errored int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, result := range r.results {
		switch result.Status {
		case StatusPassed:
			passed++
		case StatusFailed:
			failed++
		case StatusErrored:
			errored++
		}
	}
	return passed, failed, errored
}

// Failed reports whether any invocation failed or errored.
func (r *Report) Failed() bool {
	_, failed, errored := r.Counts()
	return failed > 0 || errored > 0
}

// ExitCode maps the run outcome to a process exit status.
func (r *Report) ExitCode() int {
	if r.Failed() {
		return 1
	}
	return 0
}

// LogSummary writes one line per invocation plus a totals line.
func (r *Report) LogSummary() {
	for _, result := range r.Results() {
		message := fmt.Sprintf("%s on device `%s`: %s", result.Invocation, result.Device, result.Status)
		if result.Message != "" {
			message += " - " + result.Message
		}
		if result.Status == StatusPassed {
			logger.RunnerLogger.LogInfo("report", message)
		} else {
			logger.RunnerLogger.LogError("report", message)
		}
	}

	for _, device := range r.Excluded() {
		logger.RunnerLogger.LogWarn("report", fmt.Sprintf("Device `%s` (%s) did not take part in the run, state `%s`", device.UDID, device.Name, device.State))
	}

	passed, failed, errored := r.Counts()
	logger.RunnerLogger.LogInfo("report", fmt.Sprintf("Run %s finished in %s: %d passed, %d failed, %d errored, %d device(s) excluded", r.RunID, time.Since(r.StartedAt).Round(time.Millisecond), passed, failed, errored, len(r.Excluded())))
}
