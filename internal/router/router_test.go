package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leafyheader/LabSync/internal/config"
	"github.com/Leafyheader/LabSync/internal/database"
	"github.com/Leafyheader/LabSync/internal/handler"
	"github.com/Leafyheader/LabSync/internal/middleware"
	"github.com/Leafyheader/LabSync/internal/repository"
	"github.com/Leafyheader/LabSync/internal/service"
	"github.com/Leafyheader/LabSync/internal/utils"
)

const secret = "router-test-secret"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type server struct {
	e     *echo.Echo
	clock *testClock
	admin string
}

func newServer(t *testing.T, generic bool, limit config.RateLimitConfig) *server {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db, database.SQLite))

	clock := &testClock{now: time.Date(2025, 8, 12, 9, 0, 0, 0, time.UTC)}
	gate := service.NewActivationGate(repository.NewActivationRepo(db), zerolog.Nop(), service.WithClock(clock.Now))

	e := echo.New()
	e.Validator = handler.NewRequestValidator()
	RegisterRoutes(e, db)
	RegisterActivation(e, handler.NewActivationHandler(gate, generic, zerolog.Nop()),
		secret, []string{"SUPERADMIN"}, middleware.NewTokenBucket(limit, nil, zerolog.Nop()))

	tok, err := utils.NewAccessToken(secret, "ops", "SUPERADMIN", time.Hour)
	require.NoError(t, err)
	return &server{e: e, clock: clock, admin: tok.Token}
}

func noLimit() config.RateLimitConfig { return config.RateLimitConfig{Enabled: false} }

func (s *server) do(t *testing.T, method, path, body, token string) (int, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestLAB42OverHTTP(t *testing.T) {
	s := newServer(t, false, noLimit())

	code, body := s.do(t, http.MethodPost, "/api/activation/manage", `{"code":"LAB42","status":"ON"}`, s.admin)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Activation code LAB42 enabled", body["message"])
	act := body["activation"].(map[string]any)
	assert.Nil(t, act["activateAt"])
	assert.Equal(t, "2025-08-12T09:00:00.000Z", act["createdAt"])

	code, body = s.do(t, http.MethodGet, "/api/activation/status", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["requiresActivation"])
	assert.EqualValues(t, 1, body["activeCount"])
	assert.Equal(t, "2025-08-12T09:00:00.000Z", body["lastUpdated"])

	s.clock.Advance(time.Second)
	code, body = s.do(t, http.MethodPost, "/api/activation/check", `{"code":"LAB42"}`, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "Activation code is valid and has been consumed", body["message"])
	assert.Equal(t, "2025-08-12T09:00:01.000Z", body["serverTime"])
	assert.Equal(t, "OFF", body["activation"].(map[string]any)["status"])

	code, body = s.do(t, http.MethodPost, "/api/activation/check", `{"code":"LAB42"}`, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "This activation code has already been used or is disabled", body["message"])
	assert.Equal(t, "disabled", body["reason"])

	_, body = s.do(t, http.MethodGet, "/api/activation/status", "", "")
	assert.Equal(t, false, body["requiresActivation"])
	assert.EqualValues(t, 0, body["activeCount"])
	assert.Nil(t, body["lastUpdated"])
}

func TestCheckFailures(t *testing.T) {
	s := newServer(t, false, noLimit())
	code, _ := s.do(t, http.MethodPost, "/api/activation/manage",
		`{"code":"FUTURE1","status":"ON","activateAt":"2025-08-12T10:00:00Z"}`, s.admin)
	require.Equal(t, http.StatusOK, code)

	tests := []struct {
		name   string
		body   string
		status int
		reason string
	}{
		{"unknown", `{"code":"NOPE"}`, http.StatusNotFound, "not_found"},
		{"not yet active", `{"code":"FUTURE1"}`, http.StatusBadRequest, "not_yet_active"},
		{"missing", `{}`, http.StatusBadRequest, "invalid"},
		{"blank", `{"code":"   "}`, http.StatusBadRequest, "invalid"},
		{"malformed", `{"code":`, http.StatusBadRequest, "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := s.do(t, http.MethodPost, "/api/activation/check", tt.body, "")
			assert.Equal(t, tt.status, code)
			assert.Equal(t, false, body["valid"])
			assert.Equal(t, true, body["requiresActivation"])
			assert.Equal(t, tt.reason, body["reason"])
		})
	}

	s.clock.Advance(2 * time.Hour)
	code, _ = s.do(t, http.MethodPost, "/api/activation/check", `{"code":"FUTURE1"}`, "")
	assert.Equal(t, http.StatusOK, code)
}

func TestGenericErrors(t *testing.T) {
	s := newServer(t, true, noLimit())
	_, _ = s.do(t, http.MethodPost, "/api/activation/manage", `{"code":"OFF1","status":"OFF"}`, s.admin)

	for _, c := range []string{"NOPE", "OFF1"} {
		code, body := s.do(t, http.MethodPost, "/api/activation/check", `{"code":"`+c+`"}`, "")
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "invalid", body["reason"])
		assert.Equal(t, "Invalid activation code", body["error"])
	}
}

func TestTimeEndpoint(t *testing.T) {
	s := newServer(t, false, noLimit())
	code, body := s.do(t, http.MethodGet, "/api/activation/time", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "2025-08-12T09:00:00.000Z", body["serverTime"])
	assert.EqualValues(t, s.clock.Now().UnixMilli(), body["timestamp"])
	assert.Equal(t, "UTC", body["timezone"])
}

func TestAdminRoutes(t *testing.T) {
	s := newServer(t, false, noLimit())
	tech, err := utils.NewAccessToken(secret, "tech", "TECHNICIAN", time.Hour)
	require.NoError(t, err)

	code, _ := s.do(t, http.MethodGet, "/api/activation/", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = s.do(t, http.MethodGet, "/api/activation/", "", tech.Token)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = s.do(t, http.MethodPost, "/api/activation/manage", `{"code":"X","status":"ON"}`, tech.Token)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(t, http.MethodPost, "/api/activation/manage", `{"code":"X","status":"MAYBE"}`, s.admin)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = s.do(t, http.MethodPost, "/api/activation/manage", `{"code":"X","status":"ON","activateAt":"soon"}`, s.admin)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := s.do(t, http.MethodPost, "/api/activation/generate", `{"activateAt":"2025-09-01"}`, s.admin)
	require.Equal(t, http.StatusCreated, code)
	gen := body["activation"].(map[string]any)
	assert.Equal(t, "2025-09-01T00:00:00.000Z", gen["activateAt"])
	assert.Equal(t, "ON", gen["status"])

	s.clock.Advance(time.Minute)
	code, _ = s.do(t, http.MethodPost, "/api/activation/manage", `{"code":"Y","status":"OFF"}`, s.admin)
	require.Equal(t, http.StatusOK, code)

	code, body = s.do(t, http.MethodGet, "/api/activation/", "", s.admin)
	require.Equal(t, http.StatusOK, code)
	list := body["activations"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, "Y", list[0].(map[string]any)["code"], "most recently updated first")

	id := gen["id"].(string)
	code, body = s.do(t, http.MethodDelete, "/api/activation/"+id, "", s.admin)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Activation record deleted successfully", body["message"])
	code, _ = s.do(t, http.MethodDelete, "/api/activation/"+id, "", s.admin)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCheckIsRateLimited(t *testing.T) {
	limit := config.RateLimitConfig{
		Enabled: true, Capacity: 2, RefillTokens: 1, RefillInterval: time.Hour,
		TTL: 5 * time.Hour, KeyStrategy: "ip_route", Prefix: "rl",
	}
	s := newServer(t, false, limit)

	for i := 0; i < 2; i++ {
		code, _ := s.do(t, http.MethodPost, "/api/activation/check", `{"code":"GUESS"}`, "")
		assert.Equal(t, http.StatusNotFound, code)
	}
	code, _ := s.do(t, http.MethodPost, "/api/activation/check", `{"code":"GUESS"}`, "")
	assert.Equal(t, http.StatusTooManyRequests, code)

	// Status is not throttled.
	for i := 0; i < 5; i++ {
		code, _ := s.do(t, http.MethodGet, "/api/activation/status", "", "")
		assert.Equal(t, http.StatusOK, code)
	}
}

func TestOperationalRoutes(t *testing.T) {
	s := newServer(t, false, noLimit())
	for _, p := range []string{"/healthz", "/readyz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, p, nil)
		rec := httptest.NewRecorder()
		s.e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, p)
	}
}
