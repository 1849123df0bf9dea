// Package suite declares the base tests the runner expands across the
// discovered devices.
package suite

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/OnlyOneSky/remita-e2e/appium"
	"github.com/OnlyOneSky/remita-e2e/models"
	"github.com/OnlyOneSky/remita-e2e/runner"
)

const loginPath = "/api/login"

// Tests returns the declared base tests in declaration order.
func Tests() []runner.TestCase {
	return []runner.TestCase{
		{Name: "login_success", Run: loginSuccess},
		{Name: "login_invalid_credentials", Run: loginInvalidCredentials},
	}
}

// loginSuccess stubs a successful backend login, submits valid credentials
// and expects the post-login screen with the user's welcome banner.
func loginSuccess(ctx context.Context, env *runner.TestEnv) error {
	_, err := env.Stubs.CreateStub(ctx, models.StubRule{
		Request: models.RequestMatcher{
			Method: http.MethodPost,
			URL:    loginPath,
			BodyPatterns: []map[string]interface{}{
				{"equalToJson": `{"username":"u","password":"p"}`},
			},
		},
		Response: models.StubResponse{
			Status: http.StatusOK,
			JSONBody: map[string]interface{}{
				"status": "success",
				"token":  "t",
				"user":   map[string]interface{}{"display_name": "U"},
			},
			Headers: map[string]string{"Content-Type": "application/json"},
		},
	})
	if err != nil {
		return fmt.Errorf("could not create login stub - %w", err)
	}

	if err := submitCredentials(ctx, env, "u", "p"); err != nil {
		return err
	}

	welcomeID, err := env.Session.FindElement(ctx, appium.ByAccessibilityID, "welcome_message")
	if err != nil {
		return fmt.Errorf("post-login screen did not appear - %w", err)
	}
	welcome, err := env.Session.ElementText(ctx, welcomeID)
	if err != nil {
		return err
	}
	if !strings.Contains(welcome, "Welcome, U!") {
		return fmt.Errorf("expected welcome banner for user U, got %q", welcome)
	}

	return env.Stubs.VerifyRequest(ctx, http.MethodPost, loginPath, 1)
}

// loginInvalidCredentials stubs a rejected login and expects the error
// message on a still-visible login screen.
func loginInvalidCredentials(ctx context.Context, env *runner.TestEnv) error {
	_, err := env.Stubs.CreateStub(ctx, models.StubRule{
		Request: models.RequestMatcher{
			Method: http.MethodPost,
			URL:    loginPath,
			BodyPatterns: []map[string]interface{}{
				{"equalToJson": `{"username":"u","password":"p"}`},
			},
		},
		Response: models.StubResponse{
			Status: http.StatusUnauthorized,
			JSONBody: map[string]interface{}{
				"status":  "error",
				"message": "bad creds",
			},
			Headers: map[string]string{"Content-Type": "application/json"},
		},
	})
	if err != nil {
		return fmt.Errorf("could not create login stub - %w", err)
	}

	if err := submitCredentials(ctx, env, "u", "p"); err != nil {
		return err
	}

	errorID, err := env.Session.FindElement(ctx, appium.ByAccessibilityID, "error_message")
	if err != nil {
		return fmt.Errorf("error message did not appear - %w", err)
	}
	message, err := env.Session.ElementText(ctx, errorID)
	if err != nil {
		return err
	}
	if !strings.Contains(message, "bad creds") {
		return fmt.Errorf("expected backend error message, got %q", message)
	}

	// No navigation may have happened, the login button must still be there
	if _, err := env.Session.FindElement(ctx, appium.ByAccessibilityID, "login_button"); err != nil {
		return fmt.Errorf("session left the login screen after a rejected login - %w", err)
	}

	return nil
}

func submitCredentials(ctx context.Context, env *runner.TestEnv, username, password string) error {
	usernameID, err := env.Session.FindElement(ctx, appium.ByAccessibilityID, "username_input")
	if err != nil {
		return fmt.Errorf("login screen did not appear - %w", err)
	}
	if err := env.Session.SendKeys(ctx, usernameID, username); err != nil {
		return err
	}

	passwordID, err := env.Session.FindElement(ctx, appium.ByAccessibilityID, "password_input")
	if err != nil {
		return err
	}
	if err := env.Session.SendKeys(ctx, passwordID, password); err != nil {
		return err
	}

	loginID, err := env.Session.FindElement(ctx, appium.ByAccessibilityID, "login_button")
	if err != nil {
		return err
	}
	return env.Session.Click(ctx, loginID)
}
