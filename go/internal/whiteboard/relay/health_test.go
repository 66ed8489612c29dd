package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	err error
}

func (f fakeDB) Ping(context.Context) error {
	return f.err
}

func TestHealthEndpoint(t *testing.T) {
	require := require.New(t)
	_, server := startRelay(t, nil, nil)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)

	var status HealthStatus
	require.NoError(json.NewDecoder(resp.Body).Decode(&status))
	require.True(status.Healthy)
	require.False(status.BridgeEnabled)
	require.False(status.DatabaseEnabled)
}

func TestHealthReportsDatabaseFailure(t *testing.T) {
	require := require.New(t)
	cm := NewConnectionManager(DefaultConnectionConfig())

	status := NewHealthChecker(cm, nil, fakeDB{}).Check(context.Background())
	require.True(status.Healthy)
	require.True(status.DatabaseConnected)

	checker := NewHealthChecker(cm, nil, fakeDB{err: errors.New("connection refused")})
	status = checker.Check(context.Background())
	require.False(status.Healthy)
	require.False(status.DatabaseConnected)
	require.Len(status.Errors, 1)

	rec := httptest.NewRecorder()
	checker.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	checker.ServeMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(err)
	require.Contains(string(body), "whiteboard_relay_healthy 0")
	require.Contains(string(body), "whiteboard_relay_connections 0")
}
