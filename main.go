// Command backend is the main entrypoint for the live-tender API and
// background workers. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres, runs idempotent migrations, and clears stale
//     streaming flags left by a previous crash.
//   - Builds the stream supervisor, the start scheduler, and the comment
//     auto-reply engine with its platform adapter and AI generator.
//   - Starts the OAuth token refresher for YouTube.
//   - Exposes the HTTP API: stream control, auto-reply config, /events SSE,
//     health probes and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/joho/godotenv"
	"github.com/onnwee/live-tender/backend/autoreply"
	"github.com/onnwee/live-tender/backend/chat"
	"github.com/onnwee/live-tender/backend/config"
	"github.com/onnwee/live-tender/backend/db"
	"github.com/onnwee/live-tender/backend/events"
	"github.com/onnwee/live-tender/backend/gemini"
	"github.com/onnwee/live-tender/backend/mistral"
	"github.com/onnwee/live-tender/backend/oauth"
	"github.com/onnwee/live-tender/backend/resolver"
	"github.com/onnwee/live-tender/backend/server"
	"github.com/onnwee/live-tender/backend/supervisor"
	"github.com/onnwee/live-tender/backend/telemetry"
	"github.com/onnwee/live-tender/backend/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load("backend/.env")

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
		// unknown level -> keep info but note once using temporary logger
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
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("live-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	migrationCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrationCtx, database); err != nil {
		cancelMigrate()
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}
	// Sessions marked streaming by a previous run are orphans after a crash.
	if err := db.ClearStreamingFlags(migrationCtx, database); err != nil {
		slog.Warn("failed to clear stale streaming flags", slog.Any("err", err))
	}
	cancelMigrate()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stream supervisor with best-effort session persistence
	pub := events.NewPublisher()
	sup := supervisor.New(supervisor.Options{
		Publisher:  pub,
		BaseDelay:  cfg.RestartBaseDelay,
		MaxDelay:   cfg.RestartMaxDelay,
		FFmpegPath: cfg.FFmpegPath,
		Hook: func(sessionID string, state events.Kind) {
			hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			streaming := state == events.KindRunning || state == events.KindRestarting
			if err := db.UpsertSessionState(hctx, database, sessionID, state.String(), streaming); err != nil {
				slog.Warn("session state persist failed",
					slog.String("session_id", sessionID),
					slog.Any("err", err))
			}
		},
	})
	startScheduler := supervisor.NewStartScheduler(sup, &db.ScheduleStore{DB: database})
	if err := startScheduler.Restore(ctx); err != nil {
		slog.Warn("failed to restore scheduled starts", slog.Any("err", err))
	}

	// Auto-reply engine: platform adapter + optional AI generator
	source, sink := buildCommentAdapter(ctx, cfg, database)
	engine := autoreply.NewEngine(autoreply.Options{
		Source:        source,
		Sink:          sink,
		Generator:     buildGenerator(ctx, cfg),
		Store:         &db.AutoReplyConfigStore{DB: database},
		BotUsername:   cfg.AutoReplyBotUser,
		MaxPerTick:    cfg.AutoReplyMaxPerTk,
		DefaultPollMs: cfg.AutoReplyPollMs,
	})
	if err := engine.LoadPersisted(ctx); err != nil {
		slog.Warn("failed to load persisted auto-reply config", slog.Any("err", err))
	}
	engine.Start(ctx)

	// Centralized OAuth token refresher for the YouTube live chat adapter
	oauth.StartRefresher(ctx, database, "youtube", 10*time.Minute, 20*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		if cfg.YTClientID == "" {
			return "", "", time.Time{}, "", context.Canceled
		}
		oc := &oauth2.Config{ClientID: cfg.YTClientID, ClientSecret: cfg.YTClientSecret, Endpoint: google.Endpoint, RedirectURL: cfg.YTRedirectURI}
		newTok, err := oc.TokenSource(rctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, "", nil
	})

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
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

	// HTTP server
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	deps := server.Deps{
		DB:        database,
		Cfg:       cfg,
		Sup:       sup,
		Scheduler: startScheduler,
		Engine:    engine,
		Publisher: pub,
		Resolver:  resolver.NewFromEnv(),
	}
	go func() {
		if err := server.Start(ctx, deps, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
	startScheduler.CancelAll()
	engine.Stop()
}

// buildCommentAdapter picks the comment source / reply sink by
// AUTOREPLY_PLATFORM. Twitch is the default; a misconfigured adapter still
// yields a working (if silent) engine so the HTTP surface stays up.
func buildCommentAdapter(ctx context.Context, cfg *config.Config, database *sql.DB) (autoreply.Source, autoreply.Sink) {
	platform := strings.ToLower(strings.TrimSpace(os.Getenv("AUTOREPLY_PLATFORM")))
	if platform == "youtube" {
		svc := youtubeapi.New(cfg, &db.TokenStoreAdapter{DB: database})
		rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		chatID, err := youtubeapi.ResolveLiveChatID(rctx, svc)
		if err != nil {
			slog.Warn("youtube live chat unavailable, falling back to twitch chat", slog.Any("err", err))
		} else {
			adapter := youtubeapi.NewLiveChatAdapter(svc, chatID)
			slog.Info("auto-reply adapter ready", slog.String("platform", "youtube"))
			return adapter, adapter
		}
	}

	adapter := chat.NewAdapter(cfg.TwitchChannel, cfg.TwitchBotUsername, cfg.TwitchOAuthToken)
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Warn("twitch chat not configured; auto-reply stays idle", slog.Any("err", err))
	} else {
		adapter.Start(ctx)
		slog.Info("auto-reply adapter ready", slog.String("platform", "twitch"), slog.String("channel", cfg.TwitchChannel))
	}
	return adapter, adapter
}

// buildGenerator selects the AI reply generator by AI_PROVIDER. An
// unconfigured generator is fine: template modes never touch it and ai_only
// mode reports the missing config per comment.
func buildGenerator(ctx context.Context, cfg *config.Config) autoreply.Generator {
	switch cfg.AIProvider {
	case "gemini":
		client, err := gemini.New(ctx)
		if err != nil {
			slog.Warn("gemini init failed", slog.Any("err", err))
			return nil
		}
		if client.Configured() {
			slog.Info("ai generator ready", slog.String("provider", "gemini"))
		}
		return client
	case "mistral", "":
		client := mistral.NewFromEnv()
		if client.Configured() {
			slog.Info("ai generator ready", slog.String("provider", "mistral"))
		}
		return client
	default:
		slog.Warn("unknown AI_PROVIDER, ai replies disabled", slog.String("provider", cfg.AIProvider))
		return nil
	}
}
