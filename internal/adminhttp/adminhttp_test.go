package adminhttp_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pathspace/remote/internal/adminhttp"
	"github.com/pathspace/remote/internal/diagnostics"
	"github.com/pathspace/remote/internal/metrics"
	"github.com/pathspace/remote/internal/mountserver"
	"github.com/pathspace/remote/internal/pathspace"
)

func newTestAdmin(t *testing.T) *adminhttp.Server {
	t.Helper()
	space := pathspace.NewMemSpace()
	metricsSet := metrics.New()
	mount := mountserver.NewServer(mountserver.Options{
		Diagnostics: diagnostics.NewFilesystemSink(t.TempDir()),
		Metrics:     metricsSet,
	})
	require.NoError(t, mount.RegisterExport("home", "/", space, nil, mountserver.DefaultThrottleOpts()))
	return adminhttp.New(mount, metricsSet)
}

func TestAdminExportsListsRegisteredExport(t *testing.T) {
	admin := newTestAdmin(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/exports", nil)
	admin.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var exports []mountserver.ExportSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exports))
	require.Len(t, exports, 1)
	require.Equal(t, "home", exports[0].Alias)
}

func TestAdminSessionsEmptyByDefault(t *testing.T) {
	admin := newTestAdmin(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
	admin.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []mountserver.SessionSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Empty(t, sessions)
}

func TestAdminMetricsEndpointServesPrometheusFormat(t *testing.T) {
	admin := newTestAdmin(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	admin.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}
