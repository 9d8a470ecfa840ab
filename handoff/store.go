package handoff

import (
	"context"
	"time"
)

// ArtifactStore is the persistence slice the store sink needs. Satisfied
// by *db.Store.
type ArtifactStore interface {
	InsertArtifact(ctx context.Context, sessionID, channelID, platform, anchor, path string, segment int, startedAt, endedAt time.Time, reason string) error
}

// StoreSink writes each artifact event as a row so downstream tooling can
// enumerate recordings without walking the data directory.
type StoreSink struct {
	Store ArtifactStore
}

func (StoreSink) Name() string { return "store" }

func (s StoreSink) Publish(ctx context.Context, ev Event) error {
	return s.Store.InsertArtifact(ctx, ev.SessionID, ev.ChannelID, ev.Platform, ev.Anchor,
		ev.FilePath, ev.SegmentIndex, ev.StartedAt, ev.EndedAt, ev.Reason)
}
