// Package server HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/streamvault/db"
	"github.com/onnwee/streamvault/recorder"
	"github.com/onnwee/streamvault/registry"
)

// SchedulerControl is the slice of the scheduler the API needs.
type SchedulerControl interface {
	WatchChannel(ctx context.Context, ch registry.Channel)
	UnwatchChannel(id string)
	Watching(id string) bool
}

// SupervisorControl is the slice of the recording supervisor the API needs.
type SupervisorControl interface {
	Active(channelID string) (*recorder.Session, bool)
	ActiveCount() int
	StopChannel(channelID string) bool
}

// SessionLister lists persisted sessions. Satisfied by *db.Store.
type SessionLister interface {
	ListSessions(ctx context.Context, limit int) ([]db.SessionRecord, error)
}

// Deps carries handler dependencies. Sessions and DB may be nil when the
// service runs without persistence.
type Deps struct {
	Registry   *registry.Registry
	Scheduler  SchedulerControl
	Supervisor SupervisorControl
	Sessions   SessionLister
	DB         *sql.DB
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps    Deps
	ctx     context.Context
	started time.Time
}

// NewHandlers creates a new Handlers instance. ctx outlives individual
// requests; watch loops spawned for newly added channels inherit it.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{deps: deps, ctx: ctx, started: time.Now()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleStatus reports a service-level summary.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	statuses := h.deps.Registry.List()
	byState := map[string]int{}
	for _, st := range statuses {
		byState[string(st.State)]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":  int(time.Since(h.started).Seconds()),
		"channels":        len(statuses),
		"channel_states":  byState,
		"active_sessions": h.deps.Supervisor.ActiveCount(),
	})
}

// HandleChannels lists (GET) or registers (POST) monitored channels.
func (h *Handlers) HandleChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.deps.Registry.List())
	case http.MethodPost:
		var ch registry.Channel
		if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
		if ch.Platform == "" || ch.Room == "" {
			writeError(w, http.StatusBadRequest, "platform and room are required")
			return
		}
		ch.Enabled = true
		if err := h.deps.Registry.Add(ch); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.deps.Scheduler.WatchChannel(h.ctx, ch)
		st, _ := h.deps.Registry.Get(ch.ID())
		writeJSON(w, http.StatusCreated, st)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleChannelDispatcher routes /channels/{id} and
// /channels/{id}/{action}. Channel IDs are platform:room.
func (h *Handlers) HandleChannelDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/channels/")
	id, action := rest, ""
	if i := strings.LastIndex(rest, "/"); i >= 0 {
		id, action = rest[:i], rest[i+1:]
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing channel id")
		return
	}
	if _, ok := h.deps.Registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, registry.ErrNotFound{ID: id}.Error())
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		st, _ := h.deps.Registry.Get(id)
		writeJSON(w, http.StatusOK, st)
	case action == "" && r.Method == http.MethodDelete:
		h.handleRemove(w, id)
	case action == "enable" && r.Method == http.MethodPost:
		h.handleSetEnabled(w, id, true)
	case action == "disable" && r.Method == http.MethodPost:
		h.handleSetEnabled(w, id, false)
	case action == "stop" && r.Method == http.MethodPost:
		if !h.deps.Supervisor.StopChannel(id) {
			writeError(w, http.StatusConflict, "no active session")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handlers) handleRemove(w http.ResponseWriter, id string) {
	if _, active := h.deps.Supervisor.Active(id); active {
		writeError(w, http.StatusConflict, "session active; disable or stop the channel first")
		return
	}
	h.deps.Scheduler.UnwatchChannel(id)
	if err := h.deps.Registry.Remove(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *Handlers) handleSetEnabled(w http.ResponseWriter, id string, enabled bool) {
	if err := h.deps.Registry.SetEnabled(id, enabled); err != nil {
		var nf registry.ErrNotFound
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	st, _ := h.deps.Registry.Get(id)
	if enabled && !h.deps.Scheduler.Watching(id) {
		h.deps.Scheduler.WatchChannel(h.ctx, st.Channel)
	}
	if !enabled {
		// Graceful finalize: the current segment completes and its artifact
		// is emitted, then the supervisor parks the channel at Disabled.
		h.deps.Supervisor.StopChannel(id)
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleSessions lists persisted recording sessions, newest first.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.deps.Sessions == nil {
		writeJSON(w, http.StatusOK, []db.SessionRecord{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	recs, err := h.deps.Sessions.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []db.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}
