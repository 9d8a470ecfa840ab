// Package scheduler drives liveness polling. Every monitored channel gets
// its own watch loop; a weighted semaphore keeps the number of in-flight
// platform requests under a global ceiling so a large channel list cannot
// hammer the platform APIs all at once.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/onnwee/streamvault/recorder"
	"github.com/onnwee/streamvault/registry"
	"github.com/onnwee/streamvault/resolver"
	"github.com/onnwee/streamvault/telemetry"
)

// Config tunes the polling behaviour. Zero values take the defaults noted
// per field.
type Config struct {
	PollInterval           time.Duration // default 5m
	PollTimeout            time.Duration // default 30s per resolution attempt
	MaxConcurrentPolls     int64         // default 4
	MaxConsecutiveFailures int           // default 5 before a channel degrades
	DegradedMultiplier     int           // default 6: degraded channels poll at interval*multiplier
	Jitter                 time.Duration // default PollInterval/10, spread across loops
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Minute
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 30 * time.Second
	}
	if c.MaxConcurrentPolls <= 0 {
		c.MaxConcurrentPolls = 4
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.DegradedMultiplier <= 0 {
		c.DegradedMultiplier = 6
	}
	if c.Jitter <= 0 {
		c.Jitter = c.PollInterval / 10
	}
	return c
}

// Heartbeater records scheduler liveness. Satisfied by *db.Store; nil
// disables heartbeats.
type Heartbeater interface {
	Heartbeat(ctx context.Context, name string)
}

// Scheduler owns one watch loop per registered channel.
type Scheduler struct {
	cfg       Config
	reg       *registry.Registry
	sup       *recorder.Supervisor
	resolvers map[string]resolver.Resolver
	sem       *semaphore.Weighted
	hb        Heartbeater

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a scheduler over pre-constructed per-platform resolvers.
func New(cfg Config, reg *registry.Registry, sup *recorder.Supervisor, resolvers map[string]resolver.Resolver, hb Heartbeater) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:       cfg,
		reg:       reg,
		sup:       sup,
		resolvers: resolvers,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentPolls),
		hb:        hb,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Start launches a watch loop for every channel currently in the registry.
// Channels added later get loops via WatchChannel. Blocks until ctx is
// cancelled and all loops have drained.
func (s *Scheduler) Start(ctx context.Context) {
	for _, st := range s.reg.List() {
		s.WatchChannel(ctx, st.Channel)
	}
	<-ctx.Done()
	s.wg.Wait()
}

// WatchChannel spawns the poll loop for one channel. A second call for the
// same channel is a no-op until the first loop is unwatched.
func (s *Scheduler) WatchChannel(ctx context.Context, ch registry.Channel) {
	id := ch.ID()
	s.mu.Lock()
	if _, exists := s.cancels[id]; exists {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancels[id] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.unwatch(id)
		s.watch(loopCtx, ch)
	}()
}

// UnwatchChannel stops a channel's poll loop. The channel stays in the
// registry; any active session keeps running to completion.
func (s *Scheduler) UnwatchChannel(id string) {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Scheduler) unwatch(id string) {
	s.mu.Lock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()
}

// Watching reports whether a poll loop exists for the channel.
func (s *Scheduler) Watching(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancels[id]
	return ok
}

func (s *Scheduler) watch(ctx context.Context, ch registry.Channel) {
	id := ch.ID()
	logger := slog.Default().With(
		slog.String("component", "scheduler"),
		slog.String("channel", id))

	res, ok := s.resolvers[ch.Platform]
	if !ok {
		logger.Error("no resolver for platform, channel will not be polled",
			slog.String("platform", ch.Platform))
		s.reg.RecordError(id, resolver.Unsupported(ch.Platform, errors.New("no resolver registered")))
		_ = s.reg.SetState(id, registry.StateDegraded)
		return
	}

	// Stagger loop starts so a long channel list doesn't fire every poll
	// on the same tick.
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(rand.Int63n(int64(s.cfg.Jitter) + 1))):
	}

	for {
		s.pollOnce(ctx, ch, res, logger)
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval(id)):
		}
	}
}

// interval picks the next poll delay for a channel: the base interval,
// stretched for degraded channels, doubled per consecutive transient
// failure up to the degraded cadence, with jitter either way.
func (s *Scheduler) interval(id string) time.Duration {
	d := s.cfg.PollInterval
	ceiling := d * time.Duration(s.cfg.DegradedMultiplier)
	if st, ok := s.reg.Get(id); ok {
		switch {
		case st.State == registry.StateDegraded:
			d = ceiling
		case st.Failures > 0:
			d *= time.Duration(1 << min(st.Failures, 6))
			if d > ceiling {
				d = ceiling
			}
		}
	}
	return d + time.Duration(rand.Int63n(int64(s.cfg.Jitter)+1))
}

func (s *Scheduler) pollOnce(ctx context.Context, ch registry.Channel, res resolver.Resolver, logger *slog.Logger) {
	id := ch.ID()

	st, ok := s.reg.Get(id)
	if !ok {
		return
	}
	switch st.State {
	case registry.StateOffline, registry.StateDegraded:
	default:
		// Disabled, or a session is in flight. Skip without touching
		// the failure counter.
		return
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	telemetry.AddInflightPoll(1)
	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	desc, err := res.Resolve(rctx, ch)
	cancel()
	telemetry.ObserveResolve(time.Since(start))
	telemetry.AddInflightPoll(-1)
	s.sem.Release(1)
	telemetry.CountPoll()

	if s.hb != nil {
		s.hb.Heartbeat(ctx, "scheduler")
	}

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.handlePollError(ch, err, logger)
		return
	}

	s.reg.RecordPoll(id, nil)
	if st.State == registry.StateDegraded {
		logger.Info("channel recovered")
		_ = s.reg.Transition(id, registry.StateDegraded, registry.StateOffline)
	}
	s.syncDegradedGauge()

	if !desc.Live {
		return
	}
	telemetry.CountLiveDetection()

	if err := s.reg.Transition(id, registry.StateOffline, registry.StateStarting); err != nil {
		// Lost the race to another actor; treat as not ours to record.
		logger.Warn("channel no longer idle, skipping session start", slog.Any("err", err))
		return
	}
	logger.Info("channel live, starting session", slog.String("title", desc.Title))
	sess, err := s.sup.StartSession(ctx, ch, desc)
	if err != nil {
		logger.Error("session start failed", slog.Any("err", err))
		s.reg.RecordError(id, err)
		_ = s.reg.Transition(id, registry.StateStarting, registry.StateOffline)
		return
	}

	// Polling this channel is pointless while it records. Wait for the
	// session to finalize, then fall back into the poll cadence.
	select {
	case <-ctx.Done():
	case <-sess.Done():
	}
}

func (s *Scheduler) handlePollError(ch registry.Channel, err error, logger *slog.Logger) {
	id := ch.ID()
	kind := resolver.KindOf(err)
	telemetry.CountPollError(kind.String())
	failures := s.reg.RecordPoll(id, err)

	switch kind {
	case resolver.KindAuthRequired, resolver.KindUnsupported:
		logger.Warn("poll failed, degrading channel",
			slog.String("kind", kind.String()), slog.Any("err", err))
		_ = s.reg.SetState(id, registry.StateDegraded)
	default:
		if failures >= s.cfg.MaxConsecutiveFailures {
			logger.Warn("poll failure streak, degrading channel",
				slog.Int("failures", failures), slog.Any("err", err))
			_ = s.reg.SetState(id, registry.StateDegraded)
		} else {
			logger.Debug("poll failed", slog.Int("failures", failures), slog.Any("err", err))
		}
	}
	s.syncDegradedGauge()
}

func (s *Scheduler) syncDegradedGauge() {
	n := 0
	for _, st := range s.reg.List() {
		if st.State == registry.StateDegraded {
			n++
		}
	}
	telemetry.SetDegradedChannels(n)
}
