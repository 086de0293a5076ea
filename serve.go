package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/baibot/bai/internal/config"
	"github.com/baibot/bai/internal/dedup"
	"github.com/baibot/bai/internal/dispatch"
	"github.com/baibot/bai/internal/llm"
	"github.com/baibot/bai/internal/logger"
	"github.com/baibot/bai/internal/metrics"
	"github.com/baibot/bai/internal/ratelimit"
	"github.com/baibot/bai/internal/telegram"
	"github.com/baibot/bai/internal/upstream"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot (webhook when WEBHOOK_URL is set, long polling otherwise)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info("BAI is starting", map[string]interface{}{
		"log_level":      cfg.LogLevel,
		"webhook":        cfg.UsesWebhook(),
		"llm_provider":   cfg.LLMProvider,
		"dedup_database": cfg.HasDedupDatabase(),
	})

	collector := metrics.NewCollector()

	limiter := ratelimit.New(cfg.APIMinInterval)
	defer limiter.Close()

	recorder := upstream.NewRecorder()
	caller := upstream.NewCaller(upstream.CallerConfig{
		Retries:   cfg.APIRetries,
		BaseDelay: cfg.APIRetryBase,
		Timeout:   cfg.APITimeout,
	}, limiter, recorder, collector)

	client := llm.NewClient(caller, llm.ClientConfig{
		TextURL: cfg.TextAPIURL,
		Timeout: cfg.APITimeout,
	})
	generator, err := newGenerator(ctx, cfg, client, caller)
	if err != nil {
		return err
	}

	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sweeper, err := dedup.NewSweeper(store, cfg.DedupSweepInterval, cfg.DedupMaxAge, collector)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	bot, err := telegram.NewBot(cfg.TelegramBotToken)
	if err != nil {
		logger.Error("Failed to create Telegram bot", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}

	pipeline := dispatch.NewPipeline(bot, generator, store, collector, dispatch.Config{
		ImageBaseURL: cfg.ImageAPIURL,
		BotUsername:  bot.Username(),
	})

	pool := telegram.NewWorkerPool(pipeline, telegram.WorkerPoolConfig{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
	})
	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer func() {
		if err := pool.Stop(); err != nil {
			logger.Error("Error stopping worker pool", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	go probe(ctx, client)

	serverCfg := telegram.ServerConfig{Port: cfg.Port}
	if cfg.UsesWebhook() {
		serverCfg.WebhookPath = cfg.WebhookPath
		if err := bot.SetWebhook(cfg.WebhookURL); err != nil {
			return err
		}
	} else {
		if err := bot.DeleteWebhook(false); err != nil {
			logger.Warn("Failed to clear webhook before polling", map[string]interface{}{
				"error": err.Error(),
			})
		}
		go bot.Poll(ctx, pool.Submit)
	}

	logger.Info("BAI is ready", map[string]interface{}{
		"username": bot.Username(),
	})

	server := telegram.NewServer(serverCfg, bot, pool, recorder, prometheus.DefaultGatherer)
	return server.Run(ctx)
}

// loadConfig loads configuration and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.InitLogger(cfg.LogLevel, cfg.LogDir); err != nil {
		log.Printf("Failed to initialize logger: %v", err)
		return nil, err
	}
	return cfg, nil
}

func newGenerator(ctx context.Context, cfg *config.Config, client *llm.Client, caller *upstream.Caller) (llm.Generator, error) {
	if !cfg.UsesGemini() {
		return client, nil
	}

	gemini, err := llm.NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, caller, cfg.APITimeout)
	if err != nil {
		return nil, err
	}
	logger.Info("Using Gemini for text and image analysis", map[string]interface{}{
		"model": cfg.GeminiModel,
	})
	return gemini, nil
}

func newStore(cfg *config.Config) (dedup.Store, error) {
	if !cfg.HasDedupDatabase() {
		return dedup.NewMemoryStore(), nil
	}

	store, err := dedup.NewPostgresStore(cfg.DedupPostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open dedup database: %w", err)
	}
	logger.InfoMsg("Dedup state stored in PostgreSQL")
	return store, nil
}

// probe primes the outcome record so /health reflects the API right after
// startup.
func probe(ctx context.Context, client *llm.Client) {
	start := time.Now()
	if err := client.Probe(ctx); err != nil {
		logger.Warn("Startup API probe failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	logger.Info("Startup API probe succeeded", map[string]interface{}{
		"duration": time.Since(start).String(),
	})
}
