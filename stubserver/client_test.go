package stubserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/OnlyOneSky/remita-e2e/models"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStubServer emulates the administrative API surface the client uses.
type fakeStubServer struct {
	mu       sync.Mutex
	nextID   int
	mappings map[string]models.StubRule
	journal  []models.RecordedRequest
}

func newFakeStubServer() *fakeStubServer {
	return &fakeStubServer{mappings: make(map[string]models.StubRule)}
}

func (f *fakeStubServer) record(request models.RecordedRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.journal = append(f.journal, request)
}

func (f *fakeStubServer) matching(matcher models.RequestMatcher) []models.RecordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []models.RecordedRequest
	for _, entry := range f.journal {
		if matcher.Method != "" && entry.Method != matcher.Method {
			continue
		}
		if matcher.URL != "" && entry.URL != matcher.URL {
			continue
		}
		matched = append(matched, entry)
	}
	return matched
}

func (f *fakeStubServer) engine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	admin := r.Group("/__admin")

	admin.GET("/mappings", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"mappings": []gin.H{}})
	})

	admin.POST("/mappings", func(c *gin.Context) {
		var rule models.StubRule
		if err := c.BindJSON(&rule); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": []string{err.Error()}})
			return
		}

		f.mu.Lock()
		f.nextID++
		rule.ID = uuidLike(f.nextID)
		f.mappings[rule.ID] = rule
		f.mu.Unlock()

		c.JSON(http.StatusCreated, rule)
	})

	admin.DELETE("/mappings/:id", func(c *gin.Context) {
		f.mu.Lock()
		delete(f.mappings, c.Param("id"))
		f.mu.Unlock()
		c.Status(http.StatusOK)
	})

	admin.POST("/reset", func(c *gin.Context) {
		f.mu.Lock()
		f.mappings = make(map[string]models.StubRule)
		f.journal = nil
		f.mu.Unlock()
		c.Status(http.StatusOK)
	})

	admin.POST("/requests/find", func(c *gin.Context) {
		var matcher models.RequestMatcher
		_ = c.BindJSON(&matcher)
		c.JSON(http.StatusOK, gin.H{"requests": f.matching(matcher)})
	})

	admin.POST("/requests/count", func(c *gin.Context) {
		var matcher models.RequestMatcher
		_ = c.BindJSON(&matcher)
		c.JSON(http.StatusOK, gin.H{"count": len(f.matching(matcher))})
	})

	admin.GET("/requests", func(c *gin.Context) {
		f.mu.Lock()
		entries := make([]gin.H, 0, len(f.journal))
		for _, request := range f.journal {
			entries = append(entries, gin.H{"request": request})
		}
		f.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"requests": entries})
	})

	return r
}

func uuidLike(n int) string {
	return "00000000-0000-0000-0000-" + string(rune('a'+n%26)) + "00000000000"
}

func clientFor(serverURL string) *Client {
	cfg := models.EffectiveConfig{}
	cfg.StubServer.BaseURL = serverURL
	cfg.StubServer.AdminPath = "/__admin"
	cfg.Timeouts.StubServer = 5
	return NewClient(cfg)
}

func TestHealthy(t *testing.T) {
	fake := newFakeStubServer()
	server := httptest.NewServer(fake.engine())
	defer server.Close()

	assert.True(t, clientFor(server.URL).Healthy(context.Background()))
}

func TestHealthyFalseWhenUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	assert.False(t, clientFor(url).Healthy(context.Background()))
}

func TestCreateStubReturnsServerID(t *testing.T) {
	fake := newFakeStubServer()
	server := httptest.NewServer(fake.engine())
	defer server.Close()

	id, err := clientFor(server.URL).CreateStub(context.Background(), models.StubRule{
		Request:  models.RequestMatcher{Method: http.MethodPost, URL: "/api/login"},
		Response: models.StubResponse{Status: http.StatusOK, JSONBody: map[string]interface{}{"status": "success"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	rule, exists := fake.mappings[id]
	require.True(t, exists)
	assert.Equal(t, "/api/login", rule.Request.URL)
	assert.Equal(t, http.StatusOK, rule.Response.Status)
}

func TestDeleteStub(t *testing.T) {
	fake := newFakeStubServer()
	server := httptest.NewServer(fake.engine())
	defer server.Close()

	client := clientFor(server.URL)
	id, err := client.CreateStub(context.Background(), models.StubRule{Request: models.RequestMatcher{URL: "/x"}})
	require.NoError(t, err)

	require.NoError(t, client.DeleteStub(context.Background(), id))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.mappings)
}

func TestResetClearsRulesAndJournal(t *testing.T) {
	fake := newFakeStubServer()
	server := httptest.NewServer(fake.engine())
	defer server.Close()

	client := clientFor(server.URL)
	_, err := client.CreateStub(context.Background(), models.StubRule{Request: models.RequestMatcher{URL: "/x"}})
	require.NoError(t, err)
	fake.record(models.RecordedRequest{Method: http.MethodPost, URL: "/api/login"})

	require.NoError(t, client.Reset(context.Background()))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.mappings)
	assert.Empty(t, fake.journal)
}

func TestListAndCountRequests(t *testing.T) {
	fake := newFakeStubServer()
	server := httptest.NewServer(fake.engine())
	defer server.Close()

	fake.record(models.RecordedRequest{Method: http.MethodPost, URL: "/api/login", Body: `{"username":"u"}`})
	fake.record(models.RecordedRequest{Method: http.MethodPost, URL: "/api/login", Body: `{"username":"v"}`})
	fake.record(models.RecordedRequest{Method: http.MethodGet, URL: "/api/profile"})

	client := clientFor(server.URL)

	requests, err := client.ListRequests(context.Background(), models.RequestMatcher{Method: http.MethodPost, URL: "/api/login"})
	require.NoError(t, err)
	require.Len(t, requests, 2)
	assert.Equal(t, `{"username":"u"}`, requests[0].Body)

	count, err := client.CountRequests(context.Background(), models.RequestMatcher{Method: http.MethodGet})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestVerifyRequest(t *testing.T) {
	fake := newFakeStubServer()
	server := httptest.NewServer(fake.engine())
	defer server.Close()

	fake.record(models.RecordedRequest{Method: http.MethodPost, URL: "/api/login"})

	client := clientFor(server.URL)
	assert.NoError(t, client.VerifyRequest(context.Background(), http.MethodPost, "/api/login", 1))

	err := client.VerifyRequest(context.Background(), http.MethodPost, "/api/login", 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 2 request(s)")
}

func TestJournalUnwrapsRequestEntries(t *testing.T) {
	fake := newFakeStubServer()
	server := httptest.NewServer(fake.engine())
	defer server.Close()

	fake.record(models.RecordedRequest{Method: http.MethodPost, URL: "/api/login"})
	fake.record(models.RecordedRequest{Method: http.MethodGet, URL: "/api/profile"})

	journal, err := clientFor(server.URL).Journal(context.Background())
	require.NoError(t, err)
	require.Len(t, journal, 2)
	assert.Equal(t, "/api/login", journal[0].URL)
	assert.Equal(t, http.MethodGet, journal[1].Method)
}

func TestLoadMappingFromFile(t *testing.T) {
	fake := newFakeStubServer()
	server := httptest.NewServer(fake.engine())
	defer server.Close()

	mapping := `{
  "request": {"method": "GET", "url": "/api/profile"},
  "response": {"status": 200, "jsonBody": {"display_name": "U"}}
}`
	path := filepath.Join(t.TempDir(), "profile.json")
	require.NoError(t, os.WriteFile(path, []byte(mapping), 0644))

	client := clientFor(server.URL)
	id, err := client.LoadMappingFromFile(context.Background(), path)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "/api/profile", fake.mappings[id].Request.URL)
}

func TestLoadMappingFromMissingFile(t *testing.T) {
	client := clientFor("http://localhost:0")
	_, err := client.LoadMappingFromFile(context.Background(), filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestUnreachableServerReturnsUnavailableError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := clientFor(url)
	err := client.Reset(context.Background())

	require.Error(t, err)
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
}

func TestUnexpectedStatusReturnsUnavailableError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	client := clientFor(server.URL)
	err := client.Reset(context.Background())

	require.Error(t, err)
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Contains(t, err.Error(), "unexpected status 502")
}
