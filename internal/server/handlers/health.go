package handlers

import (
	"net/http"

	"github.com/karmada-io/karmada-terminal/internal/shell"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Sessions *int   `json:"sessions,omitempty"`
}

// Health returns the health status of the server
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready returns the readiness status of the server along with the number of
// tracked terminal sessions.
func Ready(reg *shell.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := reg.Len()
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ready", Sessions: &n})
	}
}
