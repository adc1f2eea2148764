package handlers

import (
	"context"
	"net/http"
	"time"
)

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// ReadyStatus represents the readiness check response.
type ReadyStatus struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  string            `json:"timestamp"`
}

// HealthChecker defines an interface for components that can report health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthFunc adapts a function to HealthChecker.
type HealthFunc func(ctx context.Context) error

// Health calls f.
func (f HealthFunc) Health(ctx context.Context) error { return f(ctx) }

// HealthCheck returns a handler that reports basic service health.
// It returns 200 whenever the process is serving.
func HealthCheck(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		RespondJSON(w, http.StatusOK, HealthStatus{
			Status:    "healthy",
			Service:   "movie-crawler",
			Version:   version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadyCheck returns a handler that checks every named component. A nil
// component is reported as not configured and does not fail readiness.
func ReadyCheck(components map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := ReadyStatus{
			Status:     "ready",
			Components: make(map[string]string, len(components)),
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}

		allReady := true
		for name, c := range components {
			if c == nil {
				status.Components[name] = "not configured"
				continue
			}
			if err := c.Health(ctx); err != nil {
				status.Components[name] = "unhealthy: " + err.Error()
				allReady = false
				continue
			}
			status.Components[name] = "healthy"
		}

		if !allReady {
			status.Status = "not ready"
			RespondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		RespondJSON(w, http.StatusOK, status)
	}
}

// Metrics returns a handler that reports each source's snapshot under its name.
func Metrics(sources map[string]MetricsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]any, len(sources))
		for name, src := range sources {
			out[name] = src()
		}
		RespondJSON(w, http.StatusOK, out)
	}
}
