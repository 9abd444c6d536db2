package api

import (
	"net/http"
	"time"
)

// HealthHandler reports liveness and whether Redis answers.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "health"
	const method = "GET"

	status := http.StatusOK
	body := `{"status":"ok"}`
	if s.Store != nil && s.Store.Client != nil {
		if err := s.Store.Client.Ping(r.Context()).Err(); err != nil {
			status = http.StatusServiceUnavailable
			body = `{"status":"degraded","redis":"unreachable"}`
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))

	s.observe(endpoint, method, status, start)
}
