package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/streamvault/handoff"
	"github.com/onnwee/streamvault/registry"
	"github.com/onnwee/streamvault/resolver"
	"github.com/onnwee/streamvault/telemetry"
)

// ErrSessionActive is returned when a session already exists for a channel.
var ErrSessionActive = errors.New("session already active for channel")

// Config tunes one supervisor instance. Zero values take the defaults noted
// per field.
type Config struct {
	DataDir           string        // default "data"
	SegmentDuration   time.Duration // 0 disables time-based rotation
	StartupTimeout    time.Duration // default 30s: first bytes must appear within this
	StallTimeout      time.Duration // default 30s: no byte progress for this long is a stall
	HeartbeatInterval time.Duration // default 2s: backend status poll cadence
	MaxRetries        int           // default 3: immediate restarts per session
	RetryBackoff      time.Duration // default 2s: pause between restarts
}

func (c Config) withDefaults() Config {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	return c
}

// ResolveFunc re-checks liveness mid-session. It is the same resolution the
// scheduler uses, minus the scheduler's pacing; stall recovery needs a
// fresh descriptor because pull URLs expire.
type ResolveFunc func(ctx context.Context, ch registry.Channel) (*resolver.StreamDescriptor, error)

// SessionStore persists session lifecycle rows. Satisfied by *db.Store;
// nil disables persistence.
type SessionStore interface {
	RecordSessionStart(ctx context.Context, sessionID, channelID, platform, anchor string, startedAt time.Time)
	RecordSessionEnd(ctx context.Context, sessionID string, endedAt time.Time, segments int, reason, lastErr string)
}

// Session is one live occurrence's capture, possibly spanning segments.
type Session struct {
	ID        string
	Channel   registry.Channel
	Anchor    string
	StartedAt time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	segment int
	retries int
}

// Done is closed when the session has fully finalized, including artifact
// emission. The scheduler resumes polling only after this fires.
func (s *Session) Done() <-chan struct{} { return s.done }

// RequestStop asks the session to finish the current segment and finalize.
func (s *Session) RequestStop() { s.stopOnce.Do(func() { close(s.stop) }) }

// Retries reports how many restarts this session has performed.
func (s *Session) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Segment reports the current segment index.
func (s *Session) Segment() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segment
}

// segmentPath names one segment file. Paths are unique per (session,
// segment) by construction: session start time plus a monotonic index.
func (s *Session) segmentPath(dataDir string) string {
	name := fmt.Sprintf("%s_%s_%03d.ts", sanitize(s.Channel.Room), s.StartedAt.Format("20060102-150405"), s.Segment())
	return filepath.Join(dataDir, s.Channel.Platform, name)
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Supervisor owns all active sessions.
type Supervisor struct {
	cfg     Config
	backend Backend
	reg     *registry.Registry
	resolve ResolveFunc
	sink    handoff.Sink
	store   SessionStore

	mu     sync.Mutex
	active map[string]*Session
}

// New builds a supervisor. resolve may be nil (stall recovery then assumes
// the stream ended); store may be nil.
func New(cfg Config, backend Backend, reg *registry.Registry, resolve ResolveFunc, sink handoff.Sink, store SessionStore) *Supervisor {
	if sink == nil {
		sink = handoff.LogSink{}
	}
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		backend: backend,
		reg:     reg,
		resolve: resolve,
		sink:    sink,
		store:   store,
		active:  make(map[string]*Session),
	}
}

// StartSession begins recording a channel that the scheduler has just moved
// to Starting. The at-most-one-session-per-channel invariant is enforced
// here: a second call for the same channel fails with ErrSessionActive no
// matter how the two callers raced.
func (sv *Supervisor) StartSession(ctx context.Context, ch registry.Channel, desc *resolver.StreamDescriptor) (*Session, error) {
	if desc == nil || !desc.Live {
		return nil, fmt.Errorf("descriptor for %s is not live", ch.ID())
	}
	anchor := ch.Anchor
	if anchor == "" {
		anchor = desc.Anchor
	}
	sess := &Session{
		ID:        uuid.New().String(),
		Channel:   ch,
		Anchor:    anchor,
		StartedAt: time.Now().UTC(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	sv.mu.Lock()
	if _, exists := sv.active[ch.ID()]; exists {
		sv.mu.Unlock()
		return nil, ErrSessionActive
	}
	sv.active[ch.ID()] = sess
	n := len(sv.active)
	sv.mu.Unlock()

	telemetry.CountSessionStarted()
	telemetry.SetActiveSessions(n)
	sv.reg.SetSession(ch.ID(), sess.ID, 0)
	if sv.store != nil {
		sv.store.RecordSessionStart(ctx, sess.ID, ch.ID(), ch.Platform, anchor, sess.StartedAt)
	}
	go sv.run(ctx, sess, desc)
	return sess, nil
}

// Active returns the session for a channel, if any.
func (sv *Supervisor) Active(channelID string) (*Session, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	s, ok := sv.active[channelID]
	return s, ok
}

// ActiveCount returns the number of live sessions.
func (sv *Supervisor) ActiveCount() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.active)
}

// StopChannel requests graceful finalize of a channel's session, returning
// false when no session is active.
func (sv *Supervisor) StopChannel(channelID string) bool {
	sv.mu.Lock()
	s, ok := sv.active[channelID]
	sv.mu.Unlock()
	if !ok {
		return false
	}
	s.RequestStop()
	return true
}

// segment outcomes
type outcome int

const (
	outcomeRotate outcome = iota // segment duration elapsed; keep recording
	outcomeStalled               // no progress within the stall timeout
	outcomeExited                // backend exited on its own
	outcomeStopped               // explicit stop or shutdown
	outcomeStartupFailed         // no data within the startup timeout
)

func (sv *Supervisor) run(ctx context.Context, sess *Session, desc *resolver.StreamDescriptor) {
	id := sess.Channel.ID()
	logger := slog.Default().With(
		slog.String("component", "recorder"),
		slog.String("channel", id),
		slog.String("session", sess.ID))

	variant, ok := desc.SelectVariant(sess.Channel.Quality)
	if !ok {
		logger.Error("live descriptor carries no playable variants")
		sv.finalize(sess, "no-variants", fmt.Errorf("no playable variants"), logger)
		return
	}
	if sess.Channel.Quality != "" && variant.Label != sess.Channel.Quality {
		logger.Info("preferred quality unavailable, falling back",
			slog.String("preferred", sess.Channel.Quality), slog.String("selected", variant.Label))
	}

	confirmed := false
	reason := ""
	var finalErr error

loop:
	for {
		outPath := sess.segmentPath(sv.cfg.DataDir)
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			reason, finalErr = "io-error", fmt.Errorf("mkdir segment dir: %w", err)
			break loop
		}
		segStart := time.Now().UTC()
		out, err := sv.captureSegment(ctx, sess, variant, outPath, func() {
			if !confirmed {
				confirmed = true
				if terr := sv.reg.Transition(id, registry.StateStarting, registry.StateRecording); terr != nil {
					logger.Warn("recording transition refused", slog.Any("err", terr))
				}
				logger.Info("recording confirmed",
					slog.String("quality", variant.Label), slog.String("path", outPath))
			}
		})

		// Whatever happened, a non-empty file on disk is a finished segment.
		completed := fileNonEmpty(outPath)
		if completed {
			telemetry.CountSegmentCompleted()
			telemetry.ObserveSegment(time.Since(segStart))
		}

		switch out {
		case outcomeRotate:
			if completed {
				sv.emit(sess, outPath, segStart, "segment-rotated", logger)
			}
			sess.advanceSegment()
			sv.reg.SetSession(id, sess.ID, sess.Segment())
			continue

		case outcomeStopped:
			if completed {
				sv.emit(sess, outPath, segStart, "stopped", logger)
			}
			reason = "stopped"
			break loop

		case outcomeStartupFailed:
			reason, finalErr = "startup-failed", err
			if completed {
				// Rare: a few bytes arrived and then nothing. Still an artifact.
				sv.emit(sess, outPath, segStart, "startup-failed", logger)
			}
			break loop

		case outcomeStalled, outcomeExited:
			if out == outcomeStalled {
				logger.Warn("capture stalled", slog.Duration("stall_timeout", sv.cfg.StallTimeout))
			} else if err != nil {
				logger.Warn("capture exited", slog.Any("err", err))
			}
			live, fresh := sv.stillLive(ctx, sess.Channel, logger)
			if !live {
				if completed {
					sv.emit(sess, outPath, segStart, "stream-ended", logger)
				}
				reason = "stream-ended"
				break loop
			}
			if sess.Retries() >= sv.cfg.MaxRetries {
				if completed {
					sv.emit(sess, outPath, segStart, "retries-exhausted", logger)
				}
				reason = "retries-exhausted"
				if err == nil {
					err = fmt.Errorf("capture restarted %d times without holding", sess.Retries())
				}
				finalErr = err
				break loop
			}
			if completed {
				sv.emit(sess, outPath, segStart, "restart", logger)
			}
			sess.addRetry()
			sess.advanceSegment()
			sv.reg.SetSession(id, sess.ID, sess.Segment())
			telemetry.CountSessionRetry()
			logger.Info("restarting capture", slog.Int("retry", sess.Retries()), slog.Duration("backoff", sv.cfg.RetryBackoff))
			select {
			case <-ctx.Done():
				reason = "stopped"
				break loop
			case <-sess.stop:
				reason = "stopped"
				break loop
			case <-time.After(sv.cfg.RetryBackoff):
			}
			// Pull URLs go stale quickly; prefer the fresh descriptor's
			// variant when re-resolution produced one.
			if fresh != nil {
				if v, ok := fresh.SelectVariant(sess.Channel.Quality); ok {
					variant = v
				}
			}
			continue
		}
	}

	sv.finalize(sess, reason, finalErr, logger)
}

// captureSegment runs one backend invocation to completion and guarantees
// the handle is fully stopped and released before it returns, so a retry
// can never overlap the invocation it replaces.
func (sv *Supervisor) captureSegment(ctx context.Context, sess *Session, variant resolver.Variant, outPath string, onFirstBytes func()) (outcome, error) {
	handle, err := sv.backend.Start(ctx, variant.URL, outPath, variant.Container)
	if err != nil {
		return outcomeStartupFailed, err
	}
	stop := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = handle.Stop(stopCtx)
	}

	ticker := time.NewTicker(sv.cfg.HeartbeatInterval)
	defer ticker.Stop()

	startupDeadline := time.Now().Add(sv.cfg.StartupTimeout)
	var segmentDeadline time.Time
	if sv.cfg.SegmentDuration > 0 {
		segmentDeadline = time.Now().Add(sv.cfg.SegmentDuration)
	}

	started := false
	lastBytes := int64(0)
	lastProgress := time.Now()

	for {
		select {
		case <-ctx.Done():
			stop()
			return outcomeStopped, ctx.Err()
		case <-sess.stop:
			stop()
			return outcomeStopped, nil
		case <-ticker.C:
		}

		st := handle.Status()
		if st.BytesProgressed > lastBytes {
			lastBytes = st.BytesProgressed
			lastProgress = time.Now()
			if !started {
				started = true
				onFirstBytes()
			}
		}
		if !st.Running {
			stop() // reap even on natural exit
			if !started {
				if st.Err == nil {
					st.Err = fmt.Errorf("recorder exited with code %d before producing data", st.ExitCode)
				}
				return outcomeStartupFailed, st.Err
			}
			return outcomeExited, st.Err
		}
		if !started {
			if time.Now().After(startupDeadline) {
				stop()
				return outcomeStartupFailed, fmt.Errorf("no data within startup timeout %s", sv.cfg.StartupTimeout)
			}
			continue
		}
		if time.Since(lastProgress) > sv.cfg.StallTimeout {
			stop()
			return outcomeStalled, nil
		}
		if !segmentDeadline.IsZero() && time.Now().After(segmentDeadline) {
			stop()
			return outcomeRotate, nil
		}
	}
}

// stillLive re-resolves the channel. Resolution errors err on the side of
// "still live" so a flaky platform API doesn't end a healthy recording.
func (sv *Supervisor) stillLive(ctx context.Context, ch registry.Channel, logger *slog.Logger) (bool, *resolver.StreamDescriptor) {
	if sv.resolve == nil {
		return false, nil
	}
	rctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	desc, err := sv.resolve(rctx, ch)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		logger.Warn("mid-session re-resolution failed, assuming still live", slog.Any("err", err))
		return true, nil
	}
	return desc.Live, desc
}

func (sv *Supervisor) emit(sess *Session, path string, segStart time.Time, reason string, logger *slog.Logger) {
	ev := handoff.Event{
		SessionID:    sess.ID,
		ChannelID:    sess.Channel.ID(),
		Platform:     sess.Channel.Platform,
		Anchor:       sess.Anchor,
		FilePath:     path,
		SegmentIndex: sess.Segment(),
		StartedAt:    segStart,
		EndedAt:      time.Now().UTC(),
		Reason:       reason,
	}
	// Background context: artifact delivery must survive shutdown of the
	// session's own context.
	if err := sv.sink.Publish(context.Background(), ev); err != nil {
		logger.Error("artifact publish failed", slog.Any("err", err))
	}
}

func (sv *Supervisor) finalize(sess *Session, reason string, finalErr error, logger *slog.Logger) {
	id := sess.Channel.ID()
	_ = sv.reg.SetState(id, registry.StateFinalizing)
	if finalErr != nil {
		sv.reg.RecordError(id, finalErr)
	}
	if sv.store != nil {
		errText := ""
		if finalErr != nil {
			errText = finalErr.Error()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		sv.store.RecordSessionEnd(ctx, sess.ID, time.Now().UTC(), sess.Segment()+1, reason, errText)
		cancel()
	}

	sv.mu.Lock()
	delete(sv.active, id)
	n := len(sv.active)
	sv.mu.Unlock()
	telemetry.SetActiveSessions(n)
	telemetry.CountSessionCompleted()

	sv.reg.ClearSession(id)
	end := registry.StateOffline
	if st, ok := sv.reg.Get(id); ok && !st.Enabled {
		end = registry.StateDisabled
	}
	_ = sv.reg.SetState(id, end)
	logger.Info("session finalized",
		slog.String("reason", reason),
		slog.Int("segments", sess.Segment()+1),
		slog.Int("retries", sess.Retries()),
		slog.Any("err", finalErr))
	close(sess.done)
}

func (s *Session) advanceSegment() {
	s.mu.Lock()
	s.segment++
	s.mu.Unlock()
}

func (s *Session) addRetry() {
	s.mu.Lock()
	s.retries++
	s.mu.Unlock()
}

func fileNonEmpty(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Size() > 0
}
