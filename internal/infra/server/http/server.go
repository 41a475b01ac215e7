// Package httpserver exposes the fabric's operational HTTP surface: health,
// status, and the Prometheus scrape endpoint.
package httpserver

import (
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tidemill/signalmesh/internal/infra/config"
)

const (
	healthPath  = "/healthz"
	statusPath  = "/status"
	metricsPath = "/metrics"
)

// Status is the payload served at /status.
type Status struct {
	Environment  string    `json:"environment"`
	IndexSize    int       `json:"indexSize"`
	IndexVersion uint64    `json:"indexVersion"`
	IndexBuiltAt time.Time `json:"indexBuiltAt"`
}

// StatusFunc supplies the current status snapshot.
type StatusFunc func() Status

// NewHandler assembles the operational mux. A nil metrics handler serves 404
// at /metrics; a nil status func serves a bare environment payload.
func NewHandler(env config.Environment, metrics http.Handler, status StatusFunc) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(healthPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc(statusPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		payload := Status{Environment: string(env)}
		if status != nil {
			payload = status()
			payload.Environment = string(env)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			http.Error(w, "encode status", http.StatusInternalServerError)
		}
	})

	if metrics != nil {
		mux.Handle(metricsPath, metrics)
	}

	return mux
}
