package server

import (
	"database/sql"
	"fmt"
	"net/http"
	"time"
)

// HandleHealthz responds to liveness probe requests by checking database
// connectivity. Without a database the process itself being up is enough.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		if err := h.deps.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
		{"scheduler", func() error {
			if h.deps.DB == nil {
				return nil
			}
			var raw string
			err := h.deps.DB.QueryRowContext(r.Context(),
				"SELECT value FROM kv WHERE key='job_scheduler_last'").Scan(&raw)
			if err == sql.ErrNoRows {
				// No poll has completed yet; fine right after startup.
				return nil
			}
			if err != nil {
				return err
			}
			last, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return fmt.Errorf("bad scheduler heartbeat %q: %w", raw, err)
			}
			if time.Since(last) > time.Hour {
				return fmt.Errorf("scheduler heartbeat stale since %s", last.Format(time.RFC3339))
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
