package http

import (
	"context"
	stdhttp "net/http"
	"time"
)

// HealthHandler reports basic liveness for the service.
func HealthHandler(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(stdhttp.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessCheck probes one dependency.
type ReadinessCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// ReadyHandler runs every check under a short timeout and reports 503 with
// the first failing dependency.
func ReadyHandler(timeout time.Duration, checks ...ReadinessCheck) stdhttp.HandlerFunc {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		for _, check := range checks {
			if err := check.Ping(ctx); err != nil {
				writeError(w, stdhttp.StatusServiceUnavailable, codeNotReady, check.Name+" unavailable")
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(stdhttp.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}
