package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"calsync/internal/config"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func serve(h http.Handler, method, path string, headers map[string]string) int {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestHTTPAuth(t *testing.T) {
	cfg := config.APIConfig{
		Enabled: true,
		Auth: config.APIAuthConfig{
			Enabled:      true,
			HeaderAPIKey: "x-api-key",
			HeaderExtra:  "x-api-extra",
			APIKeys: []config.APIClientKey{
				{Key: "reader", Extra: "r-extra", Permissions: []string{"read:sync"}},
				{Key: "root", Extra: "root-extra"},
			},
		},
		RateLimit: config.APIRateLimitConfig{RPS: 100, Burst: 200},
	}
	h := NewHTTPAuth(cfg).Wrap(okHandler())
	reader := map[string]string{"x-api-key": "reader", "x-api-extra": "r-extra"}

	t.Run("Success", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, serve(h, http.MethodGet, "/api/v1/owners/o/sync/status", reader))
	})

	t.Run("MissingHeaders", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/api/v1/owners/o/sync/status", nil))
	})

	t.Run("InvalidKey", func(t *testing.T) {
		headers := map[string]string{"x-api-key": "nope", "x-api-extra": "r-extra"}
		assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/api/v1/sync/jobs/1", headers))
	})

	t.Run("InvalidExtra", func(t *testing.T) {
		headers := map[string]string{"x-api-key": "reader", "x-api-extra": "wrong"}
		assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/api/v1/sync/jobs/1", headers))
	})

	t.Run("PermissionDenied", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, serve(h, http.MethodPost, "/api/v1/owners/o/sync", reader))
		assert.Equal(t, http.StatusForbidden, serve(h, http.MethodPost, "/api/v1/admin/cleanup", reader))
	})

	t.Run("EmptyPermissionsAllowAll", func(t *testing.T) {
		root := map[string]string{"x-api-key": "root", "x-api-extra": "root-extra"}
		assert.Equal(t, http.StatusNoContent, serve(h, http.MethodPost, "/api/v1/admin/cleanup", root))
	})
}

func TestHTTPAuthRateLimit(t *testing.T) {
	cfg := config.APIConfig{
		Enabled:   true,
		RateLimit: config.APIRateLimitConfig{RPS: 1, Burst: 1},
	}
	h := NewHTTPAuth(cfg).Wrap(okHandler())
	headers := map[string]string{"x-api-key": "key1"}

	// First request - ok
	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodGet, "/api/v1/sync/jobs/1", headers))
	// Second request - blocked
	assert.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodGet, "/api/v1/sync/jobs/1", headers))
	// another client has its own bucket
	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodGet, "/api/v1/sync/jobs/1", map[string]string{"x-api-key": "key2"}))
}

func TestRequiredPermission(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodPost, "/api/v1/owners/o/sync", "write:sync"},
		{http.MethodGet, "/api/v1/owners/o/sync/status", "read:sync"},
		{http.MethodGet, "/api/v1/owners/o/sync/history", "read:sync"},
		{http.MethodGet, "/api/v1/sync/jobs/1/logs", "read:sync"},
		{http.MethodPost, "/api/v1/admin/cleanup", "admin"},
		{http.MethodPut, "/api/v1/owners/o/credentials", "write:credentials"},
		{http.MethodGet, "/other", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		assert.Equal(t, tt.want, requiredPermission(req), tt.path)
	}
}

func TestClientKeyFallsBackToRemoteHost(t *testing.T) {
	a := NewHTTPAuth(config.APIConfig{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", a.clientKey(req))

	req.Header.Set("x-api-key", "k")
	assert.Equal(t, "k", a.clientKey(req))
}
