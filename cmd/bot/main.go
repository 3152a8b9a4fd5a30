package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/schrodylab/schrody/internal/bot"
	"github.com/schrodylab/schrody/internal/config"
	"github.com/schrodylab/schrody/internal/db"
	"github.com/schrodylab/schrody/internal/httpapi"
	"github.com/schrodylab/schrody/internal/llm"
	"github.com/schrodylab/schrody/internal/logger"
	"github.com/schrodylab/schrody/internal/notify"
	"github.com/schrodylab/schrody/internal/platform"
	"github.com/schrodylab/schrody/internal/session"
	"github.com/schrodylab/schrody/internal/store"
	"github.com/schrodylab/schrody/internal/store/redisstore"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	zlog := logger.New("schrody-bot")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb := db.Connect(cfg.DBDSN)
	if err := store.AutoMigrate(gdb); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	repo := store.NewRepo(gdb)

	// Redis is best-effort: cooldowns and join-prompt dedup degrade to off.
	var limiter bot.Limiter
	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := rds.Ping(ctx); err != nil {
		zlog.Warn().Err(err).Msg("redis unavailable, cooldowns disabled")
	} else {
		limiter = rds
		defer rds.Close()
	}

	publisher, err := notify.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit: %v", err)
	}
	defer publisher.Close()

	providers := llm.NewRegistry()
	providers.Register("gemini", func() (llm.Provider, error) {
		return llm.NewGeminiProvider(cfg.GeminiBaseURL, cfg.GeminiModel, cfg.GeminiAPIKey), nil
	})
	provider, err := providers.Get(cfg.LLMProvider)
	if err != nil {
		log.Fatalf("llm provider: %v", err)
	}

	gateway := platform.NewClient(cfg.DiscordBaseURL, cfg.DiscordToken)
	registry := session.NewRegistry(cfg.CloseAfter, zlog)

	engine := bot.NewEngine(repo, registry, gateway, provider, limiter, bot.Config{
		GuildID:     cfg.GuildID,
		WindowSize:  cfg.ContextWindowSize,
		UserTimeout: cfg.CloseAfter,
	}, zlog)

	monitor := session.NewMonitor(repo, registry, publisher, session.MonitorConfig{
		ReminderAfter: cfg.ReminderAfter,
		WarnAfter:     cfg.WarnAfter,
		CloseAfter:    cfg.CloseAfter,
		Interval:      cfg.SweepInterval,
	}, zlog)
	go monitor.Run(ctx)

	reminder := session.NewFeedbackReminder(repo, publisher, cfg.FeedbackInterval, zlog)
	go reminder.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewRouter(repo, engine, cfg),
	}
	go func() {
		zlog.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()

	<-ctx.Done()
	zlog.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("http shutdown")
	}
}
