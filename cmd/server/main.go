package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/corredorhq/decision-engine/internal/api"
	"github.com/corredorhq/decision-engine/internal/audience"
	"github.com/corredorhq/decision-engine/internal/client"
	"github.com/corredorhq/decision-engine/internal/config"
	"github.com/corredorhq/decision-engine/internal/notify"
	"github.com/corredorhq/decision-engine/internal/pkg/logger"
	"github.com/corredorhq/decision-engine/internal/scoring"
	"github.com/corredorhq/decision-engine/internal/sender"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevelFromString(cfg.Logging.Level)

	if cfg.Database.URL == "" {
		log.Fatal("database url is required (config database.url or DATABASE_URL)")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	logger.Info("connected to database")

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.URL})
		} else {
			redisClient = redis.NewClient(opts)
		}
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unavailable, continuing without cache", "error", err.Error())
			redisClient = nil
		} else {
			logger.Info("connected to redis")
		}
	}

	clients := client.NewStore(db)
	audiences := audience.NewStore(db)
	ruleSets := scoring.NewStore(db, redisClient)
	notifications := notify.NewStore(db)

	audienceRunner := audience.NewRunner(audiences, clients)
	scorer := scoring.NewRunner(ruleSets, clients)
	matcher := notify.NewMatcher(notifications, clients)
	processor := notify.NewProcessor(notifications, buildSenders(cfg))

	handlers := api.NewHandlers(clients, audiences, audienceRunner, ruleSets, scorer, notifications, matcher, processor)
	router := api.SetupRoutes(handlers)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err.Error())
	}
	logger.Info("server stopped")
}

// buildSenders assembles the per-channel senders from config, falling back
// to the log sender for channels without provider credentials.
func buildSenders(cfg *config.Config) map[notify.Channel]notify.Sender {
	senders := map[notify.Channel]notify.Sender{
		notify.ChannelWhatsApp: sender.NewLogSender(),
		notify.ChannelEmail:    sender.NewLogSender(),
	}

	if cfg.WhatsApp.Token != "" && cfg.WhatsApp.BaseURL != "" {
		senders[notify.ChannelWhatsApp] = sender.NewWhatsAppSender(cfg.WhatsApp.BaseURL, cfg.WhatsApp.Token, cfg.WhatsApp.Timeout())
		logger.Info("whatsapp sender configured")
	}
	if emailSender, err := sender.NewEmailSender(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region, cfg.SES.From, cfg.SES.Subject); err == nil {
		senders[notify.ChannelEmail] = emailSender
		logger.Info("ses email sender configured", "region", cfg.SES.Region)
	}

	return senders
}
