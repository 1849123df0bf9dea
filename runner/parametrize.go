package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/OnlyOneSky/remita-e2e/models"
)

// TestFunc is an externally supplied test body. It returns nil on pass and a
// descriptive error on assertion failure.
type TestFunc func(ctx context.Context, env *TestEnv) error

// TestCase is one declared base test.
type TestCase struct {
	Name string
	Run  TestFunc
}

// Invocation is one (test, device) pair produced by suite expansion.
type Invocation struct {
	ID     string
	Test   TestCase
	Device models.Device
}

// Expand produces one invocation per (test, device) pair: devices in
// discovery order as the outer loop, tests in declaration order inside, so a
// device's full session runs back to back and report ordering is stable
// across runs. Invocation IDs are unique within the run.
func Expand(tests []TestCase, devices []models.Device) []Invocation {
	tokens := deviceTokens(devices)

	invocations := make([]Invocation, 0, len(tests)*len(devices))
	for i, device := range devices {
		for _, test := range tests {
			invocations = append(invocations, Invocation{
				ID:     fmt.Sprintf("%s[%s]", test.Name, tokens[i]),
				Test:   test,
				Device: device,
			})
		}
	}

	return invocations
}

// deviceTokens sanitizes device names into identifier tokens, injective over
// the discovered set. Two devices normalizing to the same token get the
// later one disambiguated with its discovery index instead of colliding.
func deviceTokens(devices []models.Device) []string {
	tokens := make([]string, len(devices))
	seen := make(map[string]bool, len(devices))

	for i, device := range devices {
		label := device.Name
		if label == "" {
			label = device.UDID
		}

		token := sanitizeToken(label)
		if seen[token] {
			token = fmt.Sprintf("%s_%d", token, i)
		}
		for seen[token] {
			token += "_"
		}

		seen[token] = true
		tokens[i] = token
	}

	return tokens
}

// sanitizeToken keeps letters, digits, dash and underscore, anything else
// becomes an underscore
func sanitizeToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
