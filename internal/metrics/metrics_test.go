package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	b, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(b)
}

func TestHandlerServesOwnRegistry(t *testing.T) {
	IncValidation("Not_Found")
	IncAdminOp("manage", "")
	ObserveStatus(3)
	IncHTTPRequest(http.MethodPost, "/api/activation/check", http.StatusNotFound)

	body := scrape(t)
	assert.Contains(t, body, `activation_validations_total{result="not_found"}`)
	assert.Contains(t, body, `activation_admin_ops_total{op="manage",result="unknown"}`)
	assert.Contains(t, body, "activation_active_codes 3")
	assert.Contains(t, body, "go_goroutines")

	// A collector on the global registry does not leak into this endpoint.
	stray := prometheus.NewCounter(prometheus.CounterOpts{Name: "labsync_stray_total", Help: "x"})
	require.NoError(t, prometheus.Register(stray))
	t.Cleanup(func() { prometheus.Unregister(stray) })
	stray.Inc()
	assert.NotContains(t, scrape(t), "labsync_stray_total")
}

func TestMustRegisterIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		MustRegister()
		MustRegister()
	})
}
