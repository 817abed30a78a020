package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/gemstudio/internal/api"
	"github.com/kiranshivaraju/gemstudio/internal/api/handler"
	mw "github.com/kiranshivaraju/gemstudio/internal/api/middleware"
	"github.com/kiranshivaraju/gemstudio/internal/cache"
	"github.com/kiranshivaraju/gemstudio/internal/store/storetest"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

func newTestRouter(t *testing.T) (http.Handler, *storetest.Memory) {
	t.Helper()
	st := storetest.NewMemory()
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(cache.NewMemory(), 60),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		},
	}), st
}

func addKey(t *testing.T, st *storetest.Memory, scopes ...string) string {
	t.Helper()
	key, raw, err := handler.NewAPIKey(storetest.DefaultTenantID, "test", "", scopes)
	require.NoError(t, err)
	require.NoError(t, st.CreateAPIKey(context.Background(), key))
	return raw
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)["code"].(string)
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"), "request id is echoed")
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router, _ := newTestRouter(t)
	id := "11111111-1111-1111-1111-111111111111"

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/sessions"},
		{"GET", "/api/v1/sessions/" + id},
		{"POST", "/api/v1/sessions/" + id + "/generate"},
		{"POST", "/api/v1/sessions/" + id + "/messages"},
		{"POST", "/api/v1/sessions/" + id + "/batches"},
		{"POST", "/api/v1/sessions/" + id + "/files"},
		{"GET", "/api/v1/jobs/" + id},
		{"POST", "/api/v1/jobs/" + id + "/wait"},
		{"POST", "/api/v1/admin/keys"},
		{"GET", "/api/v1/admin/keys"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "INVALID_TOKEN", errCode(t, w))
		})
	}
}

func TestRouter_ScopesAreEnforced(t *testing.T) {
	router, st := newTestRouter(t)
	readOnly := addKey(t, st, models.ScopeRead)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{"POST", "/api/v1/sessions", http.StatusForbidden},
		{"POST", "/api/v1/admin/keys", http.StatusForbidden},
		{"DELETE", "/api/v1/jobs/11111111-1111-1111-1111-111111111111/poll", http.StatusForbidden},
		// Reads pass the scope check and hit the 501 placeholder.
		{"GET", "/api/v1/sessions/11111111-1111-1111-1111-111111111111", http.StatusNotImplemented},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			req.Header.Set("Authorization", "Bearer "+readOnly)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestRouter_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errCode(t, w))
}
