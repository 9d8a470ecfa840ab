package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/streamvault/db"
	"github.com/onnwee/streamvault/recorder"
	"github.com/onnwee/streamvault/registry"
)

type fakeScheduler struct {
	mu       sync.Mutex
	watching map[string]bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{watching: make(map[string]bool)}
}

func (f *fakeScheduler) WatchChannel(_ context.Context, ch registry.Channel) {
	f.mu.Lock()
	f.watching[ch.ID()] = true
	f.mu.Unlock()
}

func (f *fakeScheduler) UnwatchChannel(id string) {
	f.mu.Lock()
	delete(f.watching, id)
	f.mu.Unlock()
}

func (f *fakeScheduler) Watching(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watching[id]
}

type fakeSupervisor struct {
	mu      sync.Mutex
	active  map[string]*recorder.Session
	stopped []string
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{active: make(map[string]*recorder.Session)}
}

func (f *fakeSupervisor) Active(id string) (*recorder.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.active[id]
	return s, ok
}

func (f *fakeSupervisor) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

func (f *fakeSupervisor) StopChannel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[id]; !ok {
		return false
	}
	f.stopped = append(f.stopped, id)
	return true
}

type fakeSessions struct{ recs []db.SessionRecord }

func (f *fakeSessions) ListSessions(_ context.Context, limit int) ([]db.SessionRecord, error) {
	if limit < len(f.recs) {
		return f.recs[:limit], nil
	}
	return f.recs, nil
}

func testServer(t *testing.T) (*httptest.Server, *registry.Registry, *fakeScheduler, *fakeSupervisor) {
	t.Helper()
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	reg := registry.New(nil)
	sched := newFakeScheduler()
	sup := newFakeSupervisor()
	mux := NewMux(context.Background(), Deps{
		Registry:   reg,
		Scheduler:  sched,
		Supervisor: sup,
		Sessions: &fakeSessions{recs: []db.SessionRecord{
			{ID: "sess-1", ChannelID: "huya:42", Platform: "huya", StartedAt: time.Now().UTC(), Segments: 2},
		}},
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, reg, sched, sup
}

func TestHealthz(t *testing.T) {
	srv, _, _, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("correlation id header missing")
	}
}

func TestChannelLifecycle(t *testing.T) {
	srv, reg, sched, sup := testServer(t)

	// Create
	body := `{"platform":"huya","room":"42","quality":"origin"}`
	resp, err := http.Post(srv.URL+"/channels", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created registry.Status
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if created.State != registry.StateOffline || !created.Enabled {
		t.Errorf("created channel wrong: %+v", created)
	}
	if !sched.Watching("huya:42") {
		t.Error("new channel should be watched")
	}

	// Duplicate create conflicts.
	resp, err = http.Post(srv.URL+"/channels", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", resp.StatusCode)
	}

	// List
	resp, err = http.Get(srv.URL + "/channels")
	if err != nil {
		t.Fatal(err)
	}
	var list []registry.Status
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(list) != 1 {
		t.Fatalf("list has %d entries, want 1", len(list))
	}

	// Get one
	resp, err = http.Get(srv.URL + "/channels/huya:42")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d, want 200", resp.StatusCode)
	}

	// Disable, then enable
	resp, err = http.Post(srv.URL+"/channels/huya:42/disable", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	st, _ := reg.Get("huya:42")
	if st.State != registry.StateDisabled {
		t.Errorf("state after disable = %s", st.State)
	}
	resp, err = http.Post(srv.URL+"/channels/huya:42/enable", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	st, _ = reg.Get("huya:42")
	if st.State != registry.StateOffline {
		t.Errorf("state after enable = %s", st.State)
	}

	// Remove refused while a session is active.
	sup.mu.Lock()
	sup.active["huya:42"] = &recorder.Session{ID: "sess-x"}
	sup.mu.Unlock()
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/channels/huya:42", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("remove with active session status = %d, want 409", resp.StatusCode)
	}

	// Stop the session, then remove.
	resp, err = http.Post(srv.URL+"/channels/huya:42/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("stop status = %d, want 202", resp.StatusCode)
	}
	sup.mu.Lock()
	delete(sup.active, "huya:42")
	sup.mu.Unlock()

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/channels/huya:42", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("remove status = %d, want 200", resp.StatusCode)
	}
	if _, ok := reg.Get("huya:42"); ok {
		t.Error("channel still registered after remove")
	}
}

func TestChannelNotFound(t *testing.T) {
	srv, _, _, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/channels/twitch:ghost")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateChannelValidation(t *testing.T) {
	srv, _, _, _ := testServer(t)
	resp, err := http.Post(srv.URL+"/channels", "application/json", strings.NewReader(`{"platform":"huya"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, reg, _, _ := testServer(t)
	_ = reg.Add(registry.Channel{Platform: "huya", Room: "1", Enabled: true})
	_ = reg.Add(registry.Channel{Platform: "twitch", Room: "x", Enabled: false})

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Channels       int            `json:"channels"`
		ChannelStates  map[string]int `json:"channel_states"`
		ActiveSessions int            `json:"active_sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Channels != 2 {
		t.Errorf("channels = %d, want 2", body.Channels)
	}
	if body.ChannelStates["offline"] != 1 || body.ChannelStates["disabled"] != 1 {
		t.Errorf("channel states wrong: %+v", body.ChannelStates)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	srv, _, _, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var recs []db.SessionRecord
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != "sess-1" {
		t.Errorf("sessions wrong: %+v", recs)
	}
}

func TestAdminAuthProtectsMutations(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "sekrit")
	srv, _, _, _ := testServer(t)

	// Reads stay open.
	resp, err := http.Get(srv.URL + "/channels")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("read status = %d, want 200", resp.StatusCode)
	}

	// Unauthenticated mutation refused.
	resp, err = http.Post(srv.URL+"/channels", "application/json", strings.NewReader(`{"platform":"huya","room":"1"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated create status = %d, want 401", resp.StatusCode)
	}

	// Token-bearing mutation allowed.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/channels", strings.NewReader(`{"platform":"huya","room":"1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", "sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("authenticated create status = %d, want 201", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRateLimitOnMutations(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "1")
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "3")
	reg := registry.New(nil)
	mux := NewMux(context.Background(), Deps{
		Registry:   reg,
		Scheduler:  newFakeScheduler(),
		Supervisor: newFakeSupervisor(),
		Sessions:   &fakeSessions{},
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	var last *http.Response
	for i := 0; i < 4; i++ {
		body := fmt.Sprintf(`{"platform":"huya","room":"%d"}`, i)
		resp, err := http.Post(srv.URL+"/channels", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		last = resp
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Errorf("fourth mutation status = %d, want 429", last.StatusCode)
	}
	if last.Header.Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After")
	}

	// Reads are not limited.
	resp, err := http.Get(srv.URL + "/channels")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("read status = %d, want 200", resp.StatusCode)
	}
}
