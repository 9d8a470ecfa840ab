package db_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/streamvault/db"
	"github.com/onnwee/streamvault/registry"
	"github.com/onnwee/streamvault/testutil"
)

func TestSaveChannelStateUpsert(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)

	ch := registry.Channel{Platform: "huya", Room: uuid.New().String(), Anchor: "老王", Quality: "origin", Enabled: true}
	store.SaveChannelState(registry.Status{Channel: ch, State: registry.StateOffline})
	store.SaveChannelState(registry.Status{Channel: ch, State: registry.StateRecording, SessionID: "s-1", SegmentIndex: 3})

	var state, sessionID string
	var segment int
	err := database.QueryRow(`SELECT state, session_id, segment_index FROM channels WHERE id=$1`, ch.ID()).
		Scan(&state, &sessionID, &segment)
	if err != nil {
		t.Fatalf("channel row not found: %v", err)
	}
	if state != "recording" || sessionID != "s-1" || segment != 3 {
		t.Errorf("row = (%s, %s, %d), want (recording, s-1, 3)", state, sessionID, segment)
	}
}

func TestSessionLifecycle(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)
	ctx := context.Background()

	id := uuid.New().String()
	channelID := "douyin:" + uuid.New().String()
	started := time.Now().UTC().Truncate(time.Millisecond)
	store.RecordSessionStart(ctx, id, channelID, "douyin", "anchor", started)
	store.RecordSessionEnd(ctx, id, started.Add(time.Minute), 4, "stream-ended", "")

	recs, err := store.ListSessions(ctx, 200)
	if err != nil {
		t.Fatal(err)
	}
	var found *db.SessionRecord
	for i := range recs {
		if recs[i].ID == id {
			found = &recs[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("session %s not listed", id)
	}
	if found.ChannelID != channelID || found.Segments != 4 || found.EndReason != "stream-ended" {
		t.Errorf("record wrong: %+v", found)
	}
	if found.EndedAt == nil {
		t.Error("ended_at not set")
	}
}

func TestInsertArtifact(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)
	ctx := context.Background()

	sessionID := uuid.New().String()
	store.RecordSessionStart(ctx, sessionID, "huya:1", "huya", "", time.Now().UTC())
	now := time.Now().UTC()
	err := store.InsertArtifact(ctx, sessionID, "huya:1", "huya", "", "data/huya/1_x_000.ts", 0, now.Add(-time.Minute), now, "segment-rotated")
	if err != nil {
		t.Fatalf("insert artifact: %v", err)
	}

	var count int
	if err := database.QueryRow(`SELECT COUNT(*) FROM artifacts WHERE session_id=$1`, sessionID).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("artifact count = %d, want 1", count)
	}
}

func TestHeartbeatFormat(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)
	ctx := context.Background()

	store.Heartbeat(ctx, "scheduler")
	var value string
	if err := database.QueryRow(`SELECT value FROM kv WHERE key='job_scheduler_last'`).Scan(&value); err != nil {
		t.Fatalf("heartbeat row not found: %v", err)
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("heartbeat value %q not RFC3339: %v", value, err)
	}
	if time.Since(ts) > time.Minute {
		t.Errorf("heartbeat stale: %s", ts)
	}
}

func TestCredentialRoundtrip(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	t.Setenv("ENCRYPTION_KEY", key)

	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)
	ctx := context.Background()

	platform := "test-" + uuid.New().String()[:8]
	cookie := "SESSDATA=abc123; bili_jct=xyz"
	if err := store.SetCredential(ctx, platform, cookie); err != nil {
		t.Fatalf("set credential: %v", err)
	}

	// Stored value must not be the plaintext.
	var stored string
	var version int
	if err := database.QueryRow(`SELECT value, encryption_version FROM credentials WHERE platform=$1`, platform).Scan(&stored, &version); err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Errorf("encryption_version = %d, want 1", version)
	}
	if stored == cookie {
		t.Error("credential stored in plaintext despite ENCRYPTION_KEY")
	}

	got, err := store.Cookie(ctx, platform)
	if err != nil {
		t.Fatalf("read credential: %v", err)
	}
	if got != cookie {
		t.Errorf("cookie = %q, want %q", got, cookie)
	}
}

func TestCookieMissingPlatform(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)

	got, err := store.Cookie(context.Background(), "never-configured")
	if err != nil {
		t.Fatalf("missing credential should not error: %v", err)
	}
	if got != "" {
		t.Errorf("cookie = %q, want empty", got)
	}
}
