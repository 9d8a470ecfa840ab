// Command streamvault monitors live-broadcast channels across several
// platforms and records them. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Builds one resolver per platform and starts the polling scheduler.
//   - Hands finished recordings to the configured artifact sinks
//     (database, object storage, message queue).
//   - Exposes an HTTP server with /healthz, /status, /channels, /sessions
//     and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM. SIGHUP reloads the channel list
// file without a restart.
package main

import (
	"context"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/streamvault/config"
	"github.com/onnwee/streamvault/db"
	"github.com/onnwee/streamvault/handoff"
	"github.com/onnwee/streamvault/recorder"
	"github.com/onnwee/streamvault/registry"
	"github.com/onnwee/streamvault/resolver"
	"github.com/onnwee/streamvault/scheduler"
	"github.com/onnwee/streamvault/server"
	"github.com/onnwee/streamvault/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("streamvault", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}
	store := db.NewStore(database)

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New(store)

	// One resolver per supported platform; credentials come from the DB.
	resolvers := make(map[string]resolver.Resolver)
	opts := resolver.Options{
		ProxyURL:    cfg.ProxyURL,
		Credentials: store,
		Timeout:     cfg.PollTimeout,
	}
	for _, platform := range resolver.Platforms() {
		r, err := resolver.New(platform, opts)
		if err != nil {
			slog.Error("resolver construction failed", slog.String("platform", platform), slog.Any("err", err))
			os.Exit(1)
		}
		resolvers[platform] = r
	}

	// Artifact sinks: log and DB always; object storage and message queue
	// when configured.
	sinks := []handoff.Sink{handoff.LogSink{}, handoff.StoreSink{Store: store}}
	if cfg.S3Endpoint != "" {
		s3, err := handoff.NewS3Sink(handoff.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Secure:    cfg.S3Secure,
			Prefix:    cfg.S3Prefix,
			DeleteOK:  cfg.S3Delete,
		})
		if err != nil {
			slog.Error("object storage sink init failed", slog.Any("err", err))
			os.Exit(1)
		}
		sinks = append(sinks, s3)
	}
	if cfg.AMQPURL != "" {
		mq, err := handoff.NewAMQPSink(handoff.AMQPConfig{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.AMQPExchange,
			RoutingKey: cfg.AMQPRoutingKey,
		})
		if err != nil {
			slog.Error("message queue sink init failed", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() { _ = mq.Close() }()
		sinks = append(sinks, mq)
	}
	fanout := handoff.NewFanout(sinks...)

	backend := &recorder.FFmpeg{Binary: cfg.FFmpegBinary}
	resolve := func(rctx context.Context, ch registry.Channel) (*resolver.StreamDescriptor, error) {
		r, ok := resolvers[ch.Platform]
		if !ok {
			return nil, resolver.Unsupported(ch.Platform, os.ErrNotExist)
		}
		return r.Resolve(rctx, ch)
	}
	sup := recorder.New(recorder.Config{
		DataDir:           cfg.DataDir,
		SegmentDuration:   cfg.SegmentDuration,
		StartupTimeout:    cfg.StartupTimeout,
		StallTimeout:      cfg.StallTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxRetries:        cfg.SessionMaxRetries,
		RetryBackoff:      cfg.RetryBackoff,
	}, backend, reg, resolve, fanout, store)

	sched := scheduler.New(scheduler.Config{
		PollInterval:           cfg.PollInterval,
		PollTimeout:            cfg.PollTimeout,
		MaxConcurrentPolls:     cfg.MaxConcurrentPolls,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		DegradedMultiplier:     cfg.DegradedMultiplier,
	}, reg, sup, resolvers, store)

	loadChannels := func() {
		channels, err := config.LoadChannels(cfg.ChannelsFile)
		if err != nil {
			slog.Error("channel list load failed", slog.String("file", cfg.ChannelsFile), slog.Any("err", err))
			return
		}
		added := 0
		for _, ch := range channels {
			if err := reg.Add(ch); err != nil {
				continue // already registered
			}
			added++
			if ch.Enabled {
				sched.WatchChannel(ctx, ch)
			}
		}
		slog.Info("channel list loaded",
			slog.String("file", cfg.ChannelsFile),
			slog.Int("total", len(channels)), slog.Int("added", added))
	}
	loadChannels()

	// SIGHUP re-reads the channel file; new entries start being watched,
	// existing entries are left untouched.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				slog.Info("SIGHUP received, reloading channel list")
				loadChannels()
			}
		}
	}()

	go sched.Start(ctx)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	mux := server.NewMux(ctx, server.Deps{
		Registry:   reg,
		Scheduler:  sched,
		Supervisor: sup,
		Sessions:   store,
		DB:         database,
	})
	go func() {
		if err := server.Serve(ctx, cfg.HTTPAddr, mux); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down, waiting for active sessions to finalize")

	// Sessions watch the root context and finalize themselves; give them a
	// bounded window to flush artifacts before exiting.
	deadline := time.After(30 * time.Second)
	for sup.ActiveCount() > 0 {
		select {
		case <-deadline:
			slog.Warn("shutdown window elapsed with sessions still finalizing",
				slog.Int("active", sup.ActiveCount()))
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
	slog.Info("shutdown complete")
}
