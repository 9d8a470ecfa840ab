// Package registry owns the set of monitored channels and their lifecycle
// state. It is the single source of truth: the scheduler and the recording
// supervisor mutate channel state only through this package, and every
// mutation for a given channel is serialized by a per-channel lock so two
// transitions can never interleave. Channels are independent; there is no
// global lock held across state changes.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// State is a channel's lifecycle state.
type State string

const (
	StateOffline    State = "offline"
	StateStarting   State = "starting"
	StateRecording  State = "recording"
	StateFinalizing State = "finalizing"
	StateDegraded   State = "degraded"
	StateDisabled   State = "disabled"
)

// Channel identifies one live-broadcast room to monitor.
type Channel struct {
	Platform string `json:"platform"`
	Room     string `json:"room"`
	Anchor   string `json:"anchor,omitempty"`
	Quality  string `json:"quality,omitempty"`
	UseProxy bool   `json:"use_proxy,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// ID returns the channel's identity key (platform tag + room reference).
func (c Channel) ID() string { return c.Platform + ":" + c.Room }

// Status is a point-in-time snapshot of a channel for the status surface.
// It is a copy; holding one does not pin registry state.
type Status struct {
	Channel
	State        State     `json:"state"`
	LastPoll     time.Time `json:"last_poll,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Failures     int       `json:"consecutive_failures,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	SegmentIndex int       `json:"segment_index,omitempty"`
}

// Persister receives best-effort state snapshots after each mutation.
// Implementations must not block for long; errors are the implementation's
// problem to log.
type Persister interface {
	SaveChannelState(st Status)
}

type entry struct {
	mu       sync.Mutex
	ch       Channel
	state    State
	lastPoll time.Time
	lastErr  string
	failures int
	session  string
	segment  int
}

// Registry holds all configured channels.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	persist Persister
}

// New returns an empty registry. persist may be nil.
func New(persist Persister) *Registry {
	return &Registry{entries: make(map[string]*entry), persist: persist}
}

// ErrNotFound is returned when a channel id is unknown.
type ErrNotFound struct{ ID string }

func (e ErrNotFound) Error() string { return fmt.Sprintf("channel %s not registered", e.ID) }

// Add registers a channel. The initial state is Offline for enabled channels
// and Disabled otherwise. Adding an already-known channel is an error.
func (r *Registry) Add(ch Channel) error {
	if ch.Platform == "" || ch.Room == "" {
		return fmt.Errorf("channel missing platform or room")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := ch.ID()
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("channel %s already registered", id)
	}
	st := StateOffline
	if !ch.Enabled {
		st = StateDisabled
	}
	r.entries[id] = &entry{ch: ch, state: st}
	slog.Info("channel registered", slog.String("channel", id), slog.String("state", string(st)))
	r.save(r.entries[id])
	return nil
}

// Remove deletes a channel. An active session, if any, is not interrupted
// here; the caller is responsible for asking the supervisor to finalize.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return ErrNotFound{ID: id}
	}
	delete(r.entries, id)
	slog.Info("channel removed", slog.String("channel", id))
	return nil
}

// Get returns a snapshot of one channel.
func (r *Registry) Get(id string) (Status, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true
}

// List returns snapshots of all channels, ordered by id.
func (r *Registry) List() []Status {
	r.mu.RLock()
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.mu.RUnlock()
	out := make([]Status, 0, len(all))
	for _, e := range all {
		e.mu.Lock()
		out = append(out, e.snapshot())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Transition moves a channel from one state to another. It fails if the
// channel is not currently in the expected state, which is how concurrent
// actors discover they lost a race without ever interleaving transitions.
func (r *Registry) Transition(id string, from, to State) error {
	e, ok := r.lookup(id)
	if !ok {
		return ErrNotFound{ID: id}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != from {
		return fmt.Errorf("channel %s is %s, not %s", id, e.state, from)
	}
	e.state = to
	slog.Debug("channel state transition", slog.String("channel", id), slog.String("from", string(from)), slog.String("to", string(to)))
	r.save(e)
	return nil
}

// SetState forces a channel into a state regardless of its current one.
// Used for Degraded demotion and for Disabled, both reachable from anywhere.
func (r *Registry) SetState(id string, to State) error {
	e, ok := r.lookup(id)
	if !ok {
		return ErrNotFound{ID: id}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = to
	r.save(e)
	return nil
}

// RecordPoll stores the outcome of a liveness poll. A nil err resets the
// consecutive failure counter; a non-nil err increments it. Returns the
// failure count after the update.
func (r *Registry) RecordPoll(id string, err error) int {
	e, ok := r.lookup(id)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastPoll = time.Now().UTC()
	if err != nil {
		e.lastErr = err.Error()
		e.failures++
	} else {
		e.lastErr = ""
		e.failures = 0
	}
	r.save(e)
	return e.failures
}

// RecordError stores an error without touching the poll timestamp or the
// failure counter. Used by the supervisor for session-level errors.
func (r *Registry) RecordError(id string, err error) {
	e, ok := r.lookup(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.lastErr = err.Error()
	}
	r.save(e)
}

// SetSession attaches active session metadata to a channel.
func (r *Registry) SetSession(id, sessionID string, segment int) {
	e, ok := r.lookup(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = sessionID
	e.segment = segment
	r.save(e)
}

// ClearSession detaches session metadata after a session ends.
func (r *Registry) ClearSession(id string) {
	e, ok := r.lookup(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = ""
	e.segment = 0
	r.save(e)
}

// SetEnabled flips the enabled flag. Disabling moves the channel to
// Disabled unless a session is active, in which case the session keeps its
// lifecycle state and the supervisor parks the channel at Disabled when it
// finishes. Enabling a Disabled channel returns it to Offline.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	e, ok := r.lookup(id)
	if !ok {
		return ErrNotFound{ID: id}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ch.Enabled = enabled
	if enabled && e.state == StateDisabled {
		e.state = StateOffline
	}
	if !enabled && e.session == "" {
		e.state = StateDisabled
	}
	slog.Info("channel enabled flag changed", slog.String("channel", id), slog.Bool("enabled", enabled), slog.String("state", string(e.state)))
	r.save(e)
	return nil
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	return e, ok
}

// save pushes a snapshot to the persister. Caller holds e.mu.
func (r *Registry) save(e *entry) {
	if r.persist == nil {
		return
	}
	r.persist.SaveChannelState(e.snapshot())
}

// snapshot copies the entry. Caller holds e.mu.
func (e *entry) snapshot() Status {
	return Status{
		Channel:      e.ch,
		State:        e.state,
		LastPoll:     e.lastPoll,
		LastError:    e.lastErr,
		Failures:     e.failures,
		SessionID:    e.session,
		SegmentIndex: e.segment,
	}
}
