package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dirigo/internal/app"
	"github.com/ternarybob/dirigo/internal/common"
)

func newTestServer(t *testing.T, mutate func(*common.Config)) *httptest.Server {
	t.Helper()

	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	application, err := app.New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { application.Close() })

	s := New(application)
	ts := httptest.NewServer(s.withConditionalMiddleware(s.router))
	t.Cleanup(ts.Close)
	return ts
}

func login(t *testing.T, ts *httptest.Server, subjectID string) string {
	t.Helper()

	body, _ := json.Marshal(map[string]string{
		"subject_id":   subjectID,
		"subject_type": "customer",
	})
	resp, err := http.Post(ts.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)
	return out.Token
}

func TestProtectedRouteRequiresSession(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/queue")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginGrantsAccessToProtectedRoute(t *testing.T) {
	ts := newTestServer(t, nil)
	token := login(t, ts, "cust_1")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/queue", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusEndpointIsPublic(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimitReturns429WithRetryAfter(t *testing.T) {
	ts := newTestServer(t, func(cfg *common.Config) {
		cfg.RateLimit.DefaultLimit = 2
		cfg.RateLimit.BurstEnabled = false
		cfg.RateLimit.EndpointLimits = nil
	})
	token := login(t, ts, "cust_throttled")

	get := func() *http.Response {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/queue", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	for i := 0; i < 2; i++ {
		resp := get()
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := get()
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestUnknownAPIRouteReturns404(t *testing.T) {
	ts := newTestServer(t, nil)
	token := login(t, ts, "cust_1")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/nonsense", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobSubpathRouting(t *testing.T) {
	ts := newTestServer(t, nil)
	token := login(t, ts, "cust_1")

	do := func(method, path string, body interface{}) *http.Response {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req, _ := http.NewRequest(method, ts.URL+path, &buf)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := do(http.MethodPost, "/api/jobs", map[string]interface{}{
		"customer_id":     "cust_1",
		"business_name":   "Acme Plumbing",
		"directory_limit": 3,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var job struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	resp.Body.Close()

	resp = do(http.MethodPost, "/api/jobs/claim", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(http.MethodPost, "/api/jobs/"+job.ID+"/results", map[string]interface{}{
		"results": []map[string]string{{"directory": "yelp", "status": "submitted"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(http.MethodGet, "/api/jobs/"+job.ID+"/progress", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(http.MethodGet, "/api/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Trailing garbage under a job ID is not a route
	resp = do(http.MethodGet, "/api/jobs/"+job.ID+"/bogus", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}
