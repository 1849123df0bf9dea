package stubserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/OnlyOneSky/remita-e2e/logger"
	"github.com/OnlyOneSky/remita-e2e/models"
)

// UnavailableError marks a stub server that cannot be reached or answers
// with an unexpected status. It is session-fatal for the owning device,
// undetected stub leakage would produce false test passes.
type UnavailableError struct {
	Endpoint string
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("stub server unavailable at %s: %v", e.Endpoint, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Client talks to the stub server administrative API: create rules, reset
// state, query the recorded-request journal.
type Client struct {
	adminURL string
	client   *http.Client
}

// NewClient builds a stub server admin client from the effective config.
func NewClient(cfg models.EffectiveConfig) *Client {
	timeout := time.Duration(cfg.Timeouts.StubServer) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		adminURL: strings.TrimSuffix(cfg.StubServer.BaseURL, "/") + cfg.StubServer.AdminPath,
		client:   &http.Client{Timeout: timeout},
	}
}

// Healthy checks whether the stub server admin API responds.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.adminURL+"/mappings", nil)
	if err != nil {
		return false
	}

	res, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()

	return res.StatusCode == http.StatusOK
}

// CreateStub registers a rule and returns the identifier issued by the server.
func (c *Client) CreateStub(ctx context.Context, rule models.StubRule) (string, error) {
	body, err := json.Marshal(rule)
	if err != nil {
		return "", fmt.Errorf("Could not marshal stub rule - %v", err)
	}

	responseBody, err := c.do(ctx, http.MethodPost, "/mappings", body, http.StatusCreated, http.StatusOK)
	if err != nil {
		return "", err
	}

	var created models.StubRule
	if err := json.Unmarshal(responseBody, &created); err != nil {
		return "", fmt.Errorf("Could not parse created stub response - %v", err)
	}

	logger.RunnerLogger.LogDebug("stub_server", fmt.Sprintf("Created stub `%s` for %s %s", created.ID, rule.Request.Method, rule.Request.URL))
	return created.ID, nil
}

// LoadMappingFromFile reads a stub rule document from disk and creates it.
func (c *Client) LoadMappingFromFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("Could not read mapping file `%s` - %v", path, err)
	}

	var rule models.StubRule
	if err := json.Unmarshal(data, &rule); err != nil {
		return "", fmt.Errorf("Could not parse mapping file `%s` - %v", path, err)
	}

	return c.CreateStub(ctx, rule)
}

// DeleteStub removes one rule by its identifier.
func (c *Client) DeleteStub(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/mappings/"+id, nil, http.StatusOK, http.StatusNoContent)
	return err
}

// Reset clears all stub rules and the recorded-request journal atomically
// from the client's perspective.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/reset", nil, http.StatusOK, http.StatusNoContent)
	if err == nil {
		logger.RunnerLogger.LogDebug("stub_server", "Stub server state reset")
	}
	return err
}

// ListRequests returns the journal entries matching the given matcher.
func (c *Client) ListRequests(ctx context.Context, matcher models.RequestMatcher) ([]models.RecordedRequest, error) {
	body, err := json.Marshal(matcher)
	if err != nil {
		return nil, fmt.Errorf("Could not marshal request matcher - %v", err)
	}

	responseBody, err := c.do(ctx, http.MethodPost, "/requests/find", body, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var result struct {
		Requests []models.RecordedRequest `json:"requests"`
	}
	if err := json.Unmarshal(responseBody, &result); err != nil {
		return nil, fmt.Errorf("Could not parse journal query response - %v", err)
	}

	return result.Requests, nil
}

// CountRequests returns the number of journal entries matching the matcher.
func (c *Client) CountRequests(ctx context.Context, matcher models.RequestMatcher) (int, error) {
	body, err := json.Marshal(matcher)
	if err != nil {
		return 0, fmt.Errorf("Could not marshal request matcher - %v", err)
	}

	responseBody, err := c.do(ctx, http.MethodPost, "/requests/count", body, http.StatusOK)
	if err != nil {
		return 0, err
	}

	var result struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(responseBody, &result); err != nil {
		return 0, fmt.Errorf("Could not parse journal count response - %v", err)
	}

	return result.Count, nil
}

// VerifyRequest asserts that exactly `expected` requests matching method and
// URL were recorded.
func (c *Client) VerifyRequest(ctx context.Context, method, url string, expected int) error {
	count, err := c.CountRequests(ctx, models.RequestMatcher{Method: method, URL: url})
	if err != nil {
		return err
	}
	if count != expected {
		return fmt.Errorf("expected %d request(s) to %s %s, got %d", expected, method, url, count)
	}
	return nil
}

// Journal returns every recorded request.
func (c *Client) Journal(ctx context.Context) ([]models.RecordedRequest, error) {
	responseBody, err := c.do(ctx, http.MethodGet, "/requests", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var result struct {
		Requests []struct {
			Request models.RecordedRequest `json:"request"`
		} `json:"requests"`
	}
	if err := json.Unmarshal(responseBody, &result); err != nil {
		return nil, fmt.Errorf("Could not parse journal response - %v", err)
	}

	requests := make([]models.RecordedRequest, 0, len(result.Requests))
	for _, entry := range result.Requests {
		requests = append(requests, entry.Request)
	}
	return requests, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, acceptedStatuses ...int) ([]byte, error) {
	url := c.adminURL + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &UnavailableError{Endpoint: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, &UnavailableError{Endpoint: url, Err: err}
	}
	defer res.Body.Close()

	responseBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &UnavailableError{Endpoint: url, Err: err}
	}

	for _, status := range acceptedStatuses {
		if res.StatusCode == status {
			return responseBody, nil
		}
	}

	return nil, &UnavailableError{Endpoint: url, Err: fmt.Errorf("unexpected status %d: %s", res.StatusCode, strings.TrimSpace(string(responseBody)))}
}
