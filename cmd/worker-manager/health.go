package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type dependencyCheck struct {
	name  string
	check func(context.Context) error
}

// healthServer answers liveness, readiness and metrics probes. Readiness pings
// every connected dependency; the embedding circuit state is reported but an
// open circuit does not fail readiness since scoring degrades to a neutral
// bio signal.
type healthServer struct {
	checks  []dependencyCheck
	breaker func() string
	version string
	timeout time.Duration
}

func (s *healthServer) register(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
}

func (s *healthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": s.version,
		"time":    time.Now().Format(time.RFC3339),
	})
}

func (s *healthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	timeout := s.timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for _, c := range s.checks {
		if err := c.check(ctx); err != nil {
			deps[c.name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[c.name] = "ok"
	}

	body := map[string]interface{}{
		"status":       "ready",
		"dependencies": deps,
		"time":         time.Now().Format(time.RFC3339),
	}
	if status != http.StatusOK {
		body["status"] = "not_ready"
	}
	if s.breaker != nil {
		body["embeddingCircuit"] = s.breaker()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
