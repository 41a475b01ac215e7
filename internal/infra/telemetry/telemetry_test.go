package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigHonoursEnvironment(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("OTEL_SERVICE_NAME", "fabric-under-test")
	t.Setenv("SIGNALMESH_ENV", "staging")
	t.Setenv("OTEL_RESOURCE_ENVIRONMENT", "")

	cfg := DefaultConfig()
	require.False(t, cfg.Enabled)
	require.Equal(t, "fabric-under-test", cfg.ServiceName)
	require.Equal(t, "staging", cfg.Environment)
}

func TestDisabledProviderStillServesMetrics(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false, Environment: "dev"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProviderWithPrometheusReader(t *testing.T) {
	cfg := Config{
		Enabled:       true,
		EnableMetrics: true,
		ServiceName:   "fabric-under-test",
		Environment:   "dev",
	}
	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	meter := p.Meter("telemetry.test")
	counter, err := meter.Int64Counter("telemetry.test.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "telemetry_test_count")
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
