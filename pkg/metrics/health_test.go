package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthAllComponentsHealthy(t *testing.T) {
	RegisterComponent("registry", true, "")
	RegisterComponent("bridge", true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Components["registry"])
	assert.Equal(t, "healthy", health.Components["bridge"])
	assert.NotEmpty(t, health.Uptime)
}

func TestHealthDegradedComponent(t *testing.T) {
	RegisterComponent("broker", false, "listener down")
	defer RegisterComponent("broker", true, "")

	health := GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Contains(t, health.Components["broker"], "listener down")
}

func TestHealthHandler(t *testing.T) {
	RegisterComponent("registry", true, "")
	RegisterComponent("broker", true, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
}

func TestHealthHandlerUnhealthy(t *testing.T) {
	RegisterComponent("broker", false, "gone")
	defer RegisterComponent("broker", true, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	assert.GreaterOrEqual(t, timer.Duration(), time.Duration(0))
}
