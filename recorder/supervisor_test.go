package recorder

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/streamvault/handoff"
	"github.com/onnwee/streamvault/registry"
	"github.com/onnwee/streamvault/resolver"
)

// fakeHandle simulates a capture process. Modes: "produce" keeps writing,
// "silent" never produces data, "stall" produces a few ticks then freezes.
type fakeHandle struct {
	mu      sync.Mutex
	mode    string
	path    string
	running bool
	bytes   int64
	ticks   int
}

func (h *fakeHandle) Status() BackendStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		h.ticks++
		if h.mode == "produce" || (h.mode == "stall" && h.ticks <= 3) {
			h.bytes += 1024
			_ = os.WriteFile(h.path, make([]byte, h.bytes), 0o644)
		}
	}
	return BackendStatus{Running: h.running, BytesProgressed: h.bytes}
}

func (h *fakeHandle) Stop(context.Context) error {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
	return nil
}

type fakeBackend struct {
	mu      sync.Mutex
	mode    string
	starts  int
	handles []*fakeHandle
}

func (b *fakeBackend) Start(_ context.Context, _, outPath, _ string) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	h := &fakeHandle{mode: b.mode, path: outPath, running: true}
	b.handles = append(b.handles, h)
	return h, nil
}

func (b *fakeBackend) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

type captureSink struct {
	mu     sync.Mutex
	events []handoff.Event
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Publish(_ context.Context, ev handoff.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) all() []handoff.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]handoff.Event, len(c.events))
	copy(out, c.events)
	return out
}

type captureStore struct {
	mu        sync.Mutex
	starts    int
	ends      int
	endReason string
	segments  int
}

func (c *captureStore) RecordSessionStart(_ context.Context, _, _, _, _ string, _ time.Time) {
	c.mu.Lock()
	c.starts++
	c.mu.Unlock()
}

func (c *captureStore) RecordSessionEnd(_ context.Context, _ string, _ time.Time, segments int, reason, _ string) {
	c.mu.Lock()
	c.ends++
	c.endReason = reason
	c.segments = segments
	c.mu.Unlock()
}

func liveDesc() *resolver.StreamDescriptor {
	return &resolver.StreamDescriptor{
		Live:     true,
		Anchor:   "someone",
		Variants: []resolver.Variant{{Label: "720p", URL: "http://edge/x", Container: "flv"}},
	}
}

func resolveAlwaysLive(context.Context, registry.Channel) (*resolver.StreamDescriptor, error) {
	return liveDesc(), nil
}

func resolveOffline(context.Context, registry.Channel) (*resolver.StreamDescriptor, error) {
	return &resolver.StreamDescriptor{Live: false}, nil
}

func fastConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		DataDir:           t.TempDir(),
		StartupTimeout:    150 * time.Millisecond,
		StallTimeout:      60 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		MaxRetries:        2,
		RetryBackoff:      5 * time.Millisecond,
	}
}

func setupChannel(t *testing.T, reg *registry.Registry) registry.Channel {
	t.Helper()
	ch := registry.Channel{Platform: "huya", Room: "42", Enabled: true}
	if err := reg.Add(ch); err != nil {
		t.Fatal(err)
	}
	// The scheduler claims the channel before handing it to the supervisor.
	if err := reg.Transition(ch.ID(), registry.StateOffline, registry.StateStarting); err != nil {
		t.Fatal(err)
	}
	return ch
}

func waitDone(t *testing.T, sess *Session, timeout time.Duration) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(timeout):
		t.Fatal("session did not finalize in time")
	}
}

func waitState(t *testing.T, reg *registry.Registry, id string, want registry.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if st, ok := reg.Get(id); ok && st.State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	st, _ := reg.Get(id)
	t.Fatalf("state = %s, want %s", st.State, want)
}

func TestSessionRecordsAndStops(t *testing.T) {
	reg := registry.New(nil)
	ch := setupChannel(t, reg)
	backend := &fakeBackend{mode: "produce"}
	sink := &captureSink{}
	store := &captureStore{}
	sv := New(fastConfig(t), backend, reg, resolveAlwaysLive, sink, store)

	sess, err := sv.StartSession(context.Background(), ch, liveDesc())
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitState(t, reg, ch.ID(), registry.StateRecording, time.Second)

	st, _ := reg.Get(ch.ID())
	if st.SessionID != sess.ID {
		t.Errorf("registry session id = %q, want %q", st.SessionID, sess.ID)
	}

	sess.RequestStop()
	waitDone(t, sess, 2*time.Second)

	st, _ = reg.Get(ch.ID())
	if st.State != registry.StateOffline {
		t.Errorf("final state = %s, want offline", st.State)
	}
	if st.SessionID != "" {
		t.Error("session metadata not cleared after finalize")
	}
	if sv.ActiveCount() != 0 {
		t.Error("session still tracked after finalize")
	}

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(events), events)
	}
	ev := events[0]
	if ev.Reason != "stopped" || ev.SessionID != sess.ID || ev.SegmentIndex != 0 {
		t.Errorf("event wrong: %+v", ev)
	}
	if fi, err := os.Stat(ev.FilePath); err != nil || fi.Size() == 0 {
		t.Errorf("artifact file missing or empty: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.starts != 1 || store.ends != 1 || store.endReason != "stopped" {
		t.Errorf("store calls wrong: %+v", store)
	}
}

func TestAtMostOneSessionPerChannel(t *testing.T) {
	reg := registry.New(nil)
	ch := setupChannel(t, reg)
	backend := &fakeBackend{mode: "produce"}
	sv := New(fastConfig(t), backend, reg, resolveAlwaysLive, &captureSink{}, nil)

	sess, err := sv.StartSession(context.Background(), ch, liveDesc())
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := sv.StartSession(context.Background(), ch, liveDesc()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second start = %v, want ErrSessionActive", err)
	}
	sess.RequestStop()
	waitDone(t, sess, 2*time.Second)

	// After finalize the slot is free again.
	_ = reg.Transition(ch.ID(), registry.StateOffline, registry.StateStarting)
	sess2, err := sv.StartSession(context.Background(), ch, liveDesc())
	if err != nil {
		t.Fatalf("restart after finalize: %v", err)
	}
	if sess2.ID == sess.ID {
		t.Error("new session must get a new id")
	}
	sess2.RequestStop()
	waitDone(t, sess2, 2*time.Second)
}

func TestStartupFailure(t *testing.T) {
	reg := registry.New(nil)
	ch := setupChannel(t, reg)
	backend := &fakeBackend{mode: "silent"}
	store := &captureStore{}
	sink := &captureSink{}
	cfg := fastConfig(t)
	cfg.StartupTimeout = 40 * time.Millisecond
	sv := New(cfg, backend, reg, resolveAlwaysLive, sink, store)

	sess, err := sv.StartSession(context.Background(), ch, liveDesc())
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitDone(t, sess, 2*time.Second)

	st, _ := reg.Get(ch.ID())
	if st.State != registry.StateOffline {
		t.Errorf("final state = %s, want offline", st.State)
	}
	if st.LastError == "" {
		t.Error("startup failure should leave an error on the channel")
	}
	if len(sink.all()) != 0 {
		t.Errorf("no artifact expected for empty output, got %+v", sink.all())
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.endReason != "startup-failed" {
		t.Errorf("end reason = %q, want startup-failed", store.endReason)
	}
}

func TestStallThenStreamEnded(t *testing.T) {
	reg := registry.New(nil)
	ch := setupChannel(t, reg)
	backend := &fakeBackend{mode: "stall"}
	sink := &captureSink{}
	store := &captureStore{}
	sv := New(fastConfig(t), backend, reg, resolveOffline, sink, store)

	sess, err := sv.StartSession(context.Background(), ch, liveDesc())
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitDone(t, sess, 3*time.Second)

	if backend.startCount() != 1 {
		t.Errorf("offline re-resolution must not restart capture, starts = %d", backend.startCount())
	}
	events := sink.all()
	if len(events) != 1 || events[0].Reason != "stream-ended" {
		t.Errorf("events = %+v, want one stream-ended", events)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.endReason != "stream-ended" {
		t.Errorf("end reason = %q, want stream-ended", store.endReason)
	}
}

func TestStallRetriesExhausted(t *testing.T) {
	reg := registry.New(nil)
	ch := setupChannel(t, reg)
	backend := &fakeBackend{mode: "stall"}
	sink := &captureSink{}
	store := &captureStore{}
	cfg := fastConfig(t)
	sv := New(cfg, backend, reg, resolveAlwaysLive, sink, store)

	sess, err := sv.StartSession(context.Background(), ch, liveDesc())
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitDone(t, sess, 5*time.Second)

	if got := backend.startCount(); got != cfg.MaxRetries+1 {
		t.Errorf("backend started %d times, want %d", got, cfg.MaxRetries+1)
	}
	if sess.Retries() != cfg.MaxRetries {
		t.Errorf("retries = %d, want %d", sess.Retries(), cfg.MaxRetries)
	}

	events := sink.all()
	if len(events) != cfg.MaxRetries+1 {
		t.Fatalf("got %d events, want %d: %+v", len(events), cfg.MaxRetries+1, events)
	}
	for i, ev := range events[:len(events)-1] {
		if ev.Reason != "restart" {
			t.Errorf("event %d reason = %q, want restart", i, ev.Reason)
		}
	}
	if events[len(events)-1].Reason != "retries-exhausted" {
		t.Errorf("final event reason = %q, want retries-exhausted", events[len(events)-1].Reason)
	}

	// Segment indexes are monotonic and paths unique across restarts.
	seen := map[string]bool{}
	for i, ev := range events {
		if ev.SegmentIndex != i {
			t.Errorf("event %d segment = %d, want %d", i, ev.SegmentIndex, i)
		}
		if seen[ev.FilePath] {
			t.Errorf("segment path reused: %s", ev.FilePath)
		}
		seen[ev.FilePath] = true
		if ev.SessionID != sess.ID {
			t.Errorf("segment %d has session %q, want %q", i, ev.SessionID, sess.ID)
		}
	}
}

func TestSegmentRotation(t *testing.T) {
	reg := registry.New(nil)
	ch := setupChannel(t, reg)
	backend := &fakeBackend{mode: "produce"}
	sink := &captureSink{}
	cfg := fastConfig(t)
	cfg.SegmentDuration = 40 * time.Millisecond
	sv := New(cfg, backend, reg, resolveAlwaysLive, sink, nil)

	sess, err := sv.StartSession(context.Background(), ch, liveDesc())
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for sess.Segment() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sess.RequestStop()
	waitDone(t, sess, 2*time.Second)

	events := sink.all()
	if len(events) < 3 {
		t.Fatalf("got %d events, want at least 3", len(events))
	}
	for _, ev := range events[:2] {
		if ev.Reason != "segment-rotated" {
			t.Errorf("reason = %q, want segment-rotated", ev.Reason)
		}
	}
	if last := events[len(events)-1]; last.Reason != "stopped" {
		t.Errorf("final reason = %q, want stopped", last.Reason)
	}
}

func TestDisableDuringSessionParksDisabled(t *testing.T) {
	reg := registry.New(nil)
	ch := setupChannel(t, reg)
	backend := &fakeBackend{mode: "produce"}
	sv := New(fastConfig(t), backend, reg, resolveAlwaysLive, &captureSink{}, nil)

	sess, err := sv.StartSession(context.Background(), ch, liveDesc())
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitState(t, reg, ch.ID(), registry.StateRecording, time.Second)

	if err := reg.SetEnabled(ch.ID(), false); err != nil {
		t.Fatal(err)
	}
	if !sv.StopChannel(ch.ID()) {
		t.Fatal("expected an active session to stop")
	}
	waitDone(t, sess, 2*time.Second)

	st, _ := reg.Get(ch.ID())
	if st.State != registry.StateDisabled {
		t.Errorf("final state = %s, want disabled", st.State)
	}
}

func TestShutdownFinalizesSession(t *testing.T) {
	reg := registry.New(nil)
	ch := setupChannel(t, reg)
	backend := &fakeBackend{mode: "produce"}
	store := &captureStore{}
	sv := New(fastConfig(t), backend, reg, resolveAlwaysLive, &captureSink{}, store)

	ctx, cancel := context.WithCancel(context.Background())
	sess, err := sv.StartSession(ctx, ch, liveDesc())
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitState(t, reg, ch.ID(), registry.StateRecording, time.Second)

	cancel()
	waitDone(t, sess, 2*time.Second)

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.endReason != "stopped" {
		t.Errorf("end reason = %q, want stopped", store.endReason)
	}
}
