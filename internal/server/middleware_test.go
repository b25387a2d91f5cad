package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/internal/config"
	"github.com/vibesdk/vibesdk/internal/ratelimit"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Environment = "development"
	cfg.Server.CustomDomain = "app.example.com"
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, Limit: 100, Period: 60, BurstWindow: 60}
	cfg.Auth.JWTSecret = "test-secret"
	return New(cfg, nil, ratelimit.NewStore(ratelimit.NewMemoryKV(), zap.NewNop()), nil, nil, zap.NewNop())
}

func TestCSRFRejectionWithoutToken(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/anything", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "CSRF_VIOLATION", body["code"])
	assert.NotEmpty(t, body["error"])
}

func TestCSRFTokenIssuedOnSafeMethod(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var token string
	for _, cookie := range resp.Cookies() {
		if cookie.Name == csrfCookieName {
			token = cookie.Value
			assert.Greater(t, cookie.MaxAge, 0)
		}
	}
	assert.NotEmpty(t, token, "safe request must receive a csrf-token cookie")
}

func TestCSRFDoubleSubmitAccepted(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	token := "a-known-token-value"
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/anything", strings.NewReader("{}"))
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: token})
	req.Header.Set(csrfHeaderName, token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// Passed CSRF; the unrouted path falls through to Not Found.
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCSRFMismatchRejected(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/anything", strings.NewReader("{}"))
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "cookie-token"})
	req.Header.Set(csrfHeaderName, "different-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCORSAllowList(t *testing.T) {
	s := newTestServer(t)

	assert.True(t, s.allowedOrigin("http://localhost:3000"))
	assert.True(t, s.allowedOrigin("http://localhost:5173"))
	assert.True(t, s.allowedOrigin("https://app.example.com"))
	assert.False(t, s.allowedOrigin("https://evil.example.net"))
	assert.False(t, s.allowedOrigin(""))

	// Production drops the dev loopback origins.
	s.cfg.Server.Environment = "production"
	assert.False(t, s.allowedOrigin("http://localhost:3000"))
	assert.True(t, s.allowedOrigin("https://app.example.com"))
}

func TestCORSHeadersOnAllowedOrigin(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), "X-Request-ID")
}

func TestNotFound(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGlobalRateLimit(t *testing.T) {
	s := newTestServer(t)
	s.cfg.RateLimit.Limit = 2
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	var last *http.Response
	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL + "/api/health")
		require.NoError(t, err)
		resp.Body.Close()
		last = resp
	}
	assert.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.Equal(t, "0", last.Header.Get("X-RateLimit-Remaining"))
}

func TestAuthenticateSessionToken(t *testing.T) {
	s := newTestServer(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/agents/x", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	userID, err := s.authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)

	req = httptest.NewRequest(http.MethodGet, "/api/agents/x", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	_, err = s.authenticate(req)
	assert.Error(t, err)

	req = httptest.NewRequest(http.MethodGet, "/api/agents/x", nil)
	_, err = s.authenticate(req)
	assert.Error(t, err)
}
