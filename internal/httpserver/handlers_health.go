package httpserver

import (
	"net/http"
	"time"

	"github.com/pesabridge/server/internal/circuitbreaker"
	"github.com/pesabridge/server/pkg/responders"
)

// health reports liveness. It never touches dependencies, so a wedged
// database cannot make the orchestrator restart-loop the process.
func (h handlers) health(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(serverStartTime).Seconds()),
	})
}

// ready reports readiness: storage reachable plus current circuit breaker
// states for the gateway endpoints.
func (h handlers) ready(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	storageStatus := "ok"
	if err := h.store.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		storageStatus = err.Error()
	}

	body := map[string]any{
		"status":  "ok",
		"storage": storageStatus,
	}
	if h.breakers != nil {
		body["circuit_breakers"] = map[string]string{
			"gateway_auth": h.breakers.State(circuitbreaker.ServiceGatewayAuth),
			"gateway_api":  h.breakers.State(circuitbreaker.ServiceGatewayAPI),
		}
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}

	responders.JSON(w, status, body)
}
