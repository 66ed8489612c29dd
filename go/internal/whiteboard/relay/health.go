package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Pinger is implemented by snapshot stores backed by a database
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus is the relay's view of itself and its dependencies
type HealthStatus struct {
	Healthy           bool     `json:"healthy"`
	Connections       int      `json:"connections"`
	ActiveRooms       int      `json:"active_rooms"`
	BridgeEnabled     bool     `json:"bridge_enabled"`
	NATSConnected     bool     `json:"nats_connected"`
	DatabaseEnabled   bool     `json:"database_enabled"`
	DatabaseConnected bool     `json:"database_connected"`
	Errors            []string `json:"errors"`
}

// HealthChecker reports relay health on /health and gauges on /metrics
type HealthChecker struct {
	connectionManager *ConnectionManager
	bridge            *Bridge
	db                Pinger
}

// NewHealthChecker creates a checker. bridge and db may be nil.
func NewHealthChecker(cm *ConnectionManager, bridge *Bridge, db Pinger) *HealthChecker {
	return &HealthChecker{
		connectionManager: cm,
		bridge:            bridge,
		db:                db,
	}
}

// Check probes the bridge and database
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	stats := h.connectionManager.GetConnectionStats()
	status := HealthStatus{
		Healthy:     true,
		Connections: stats.TotalConnections,
		ActiveRooms: stats.ActiveRooms,
		Errors:      []string{},
	}

	if h.bridge != nil {
		status.BridgeEnabled = true
		status.NATSConnected = h.bridge.Connected()
		if !status.NATSConnected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	if h.db != nil {
		status.DatabaseEnabled = true
		if err := h.db.Ping(ctx); err != nil {
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("database ping failed: %v", err))
		} else {
			status.DatabaseConnected = true
		}
	}

	return status
}

// ServeHTTP writes the health status, 503 when unhealthy
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to encode health status")
	}
}

// ServeMetrics writes the health gauges in the Prometheus text format
func (h *HealthChecker) ServeMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, `# HELP whiteboard_relay_healthy Whether the relay is healthy
# TYPE whiteboard_relay_healthy gauge
whiteboard_relay_healthy %d

# HELP whiteboard_relay_connections Open participant connections
# TYPE whiteboard_relay_connections gauge
whiteboard_relay_connections %d

# HELP whiteboard_relay_active_rooms Rooms with at least one connection
# TYPE whiteboard_relay_active_rooms gauge
whiteboard_relay_active_rooms %d

# HELP whiteboard_relay_nats_connected Whether the NATS bridge is connected
# TYPE whiteboard_relay_nats_connected gauge
whiteboard_relay_nats_connected %d

# HELP whiteboard_relay_database_connected Whether the snapshot database is reachable
# TYPE whiteboard_relay_database_connected gauge
whiteboard_relay_database_connected %d
`,
		gauge(status.Healthy),
		status.Connections,
		status.ActiveRooms,
		gauge(status.NATSConnected),
		gauge(status.DatabaseConnected),
	)
}

// RegisterRoutes registers /health and /metrics
func (h *HealthChecker) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/health", h)
	mux.HandleFunc("/metrics", h.ServeMetrics)
}

func gauge(b bool) int {
	if b {
		return 1
	}
	return 0
}
