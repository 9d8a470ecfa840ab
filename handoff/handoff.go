// Package handoff carries completed-artifact events from the recording
// supervisor to downstream collaborators: persistence, object storage
// upload, and message-queue notification. Delivery is at-least-once and
// per-sink independent; a failing sink is logged and counted but never
// blocks the supervisor or the other sinks.
package handoff

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/streamvault/telemetry"
)

// Event describes one finished segment file. It carries everything a
// consumer needs without re-deriving state from the registry.
type Event struct {
	SessionID    string    `json:"session_id"`
	ChannelID    string    `json:"channel_id"`
	Platform     string    `json:"platform"`
	Anchor       string    `json:"anchor,omitempty"`
	FilePath     string    `json:"file_path"`
	SegmentIndex int       `json:"segment_index"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	Reason       string    `json:"reason"`
}

// Sink consumes artifact events. Implementations must be idempotent on
// repeated delivery of the same event.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}

// Fanout delivers each event to every sink in order. It implements Sink
// itself so the supervisor only holds one publisher.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout { return &Fanout{sinks: sinks} }

func (f *Fanout) Name() string { return "fanout" }

// Publish never returns an error: per-sink failures are logged and counted,
// and remaining sinks still receive the event.
func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	delivered := 0
	for _, s := range f.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			telemetry.CountArtifactFailed()
			slog.Error("artifact sink failed",
				slog.String("sink", s.Name()),
				slog.String("channel", ev.ChannelID),
				slog.String("path", ev.FilePath),
				slog.Any("err", err))
			continue
		}
		delivered++
	}
	if delivered > 0 {
		telemetry.CountArtifactPublished()
	}
	return nil
}

// LogSink records events to the structured log. Always installed; it
// doubles as the minimal consumer in setups with no storage configured.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Publish(_ context.Context, ev Event) error {
	slog.Info("artifact ready",
		slog.String("channel", ev.ChannelID),
		slog.String("session", ev.SessionID),
		slog.Int("segment", ev.SegmentIndex),
		slog.String("path", ev.FilePath),
		slog.String("reason", ev.Reason),
		slog.Duration("duration", ev.EndedAt.Sub(ev.StartedAt)))
	return nil
}
