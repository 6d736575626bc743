package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/rs/zerolog/log"
)

// probeCode is never issued: the room code alphabet has no zero.
const probeCode = "0000"

type HealthStatus struct {
	Healthy        bool      `json:"healthy"`
	StoreReachable bool      `json:"store_reachable"`
	StoreLatency   string    `json:"store_latency"`
	Sessions       int       `json:"sessions"`
	Connections    int       `json:"connections"`
	CheckedAt      time.Time `json:"checked_at"`
	Errors         []string  `json:"errors"`
}

// Check reads a document that never exists to confirm the store answers.
func (s *Service) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy:   true,
		Errors:    []string{},
		CheckedAt: time.Now(),
		Sessions:  s.app.Sessions(),
	}
	for _, n := range s.cm.Stats() {
		status.Connections += n
	}

	start := time.Now()
	_, err := s.app.Store().Get(ctx, store.RoomPath(probeCode))
	status.StoreLatency = time.Since(start).Round(time.Microsecond).String()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("store read failed: %v", err))
	} else {
		status.StoreReachable = true
	}
	return status
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := s.Check(ctx)
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
		log.Warn().Strs("errors", status.Errors).Msg("health check failed")
	}
	writeJSON(w, code, status)
}

// handleMetrics exports the health check in the Prometheus text format.
func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := s.Check(ctx)
	healthy := 0
	if status.Healthy {
		healthy = 1
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, err := fmt.Fprintf(w, `# HELP quizzo_healthy Whether the store answers reads
# TYPE quizzo_healthy gauge
quizzo_healthy %d

# HELP quizzo_sessions Open room sessions
# TYPE quizzo_sessions gauge
quizzo_sessions %d

# HELP quizzo_websocket_connections Open websocket connections
# TYPE quizzo_websocket_connections gauge
quizzo_websocket_connections %d
`, healthy, status.Sessions, status.Connections)
	if err != nil {
		log.Warn().Err(err).Msg("failed to write metrics")
	}
}
