package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/corredorhq/decision-engine/internal/client"
	"github.com/corredorhq/decision-engine/internal/config"
	"github.com/corredorhq/decision-engine/internal/notify"
	"github.com/corredorhq/decision-engine/internal/pkg/distlock"
	"github.com/corredorhq/decision-engine/internal/pkg/logger"
	"github.com/corredorhq/decision-engine/internal/sender"
)

// The worker loops two passes on a ticker: detect-and-enqueue for every
// tenant with active triggers, then a queue-processing pass. A distributed
// lock keeps overlapping passes from multiple worker hosts serialized; the
// per-job claim update remains the actual correctness guarantee.
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
	logger.Info("worker connected to database")

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		if opts, err := redis.ParseURL(cfg.Redis.URL); err == nil {
			redisClient = redis.NewClient(opts)
		} else {
			redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.URL})
		}
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unavailable, using pg advisory lock", "error", err.Error())
			redisClient = nil
		}
	}

	clients := client.NewStore(db)
	notifications := notify.NewStore(db)
	matcher := notify.NewMatcher(notifications, clients)
	processor := notify.NewProcessor(notifications, buildSenders(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-done
		logger.Info("worker shutting down")
		cancel()
	}()

	lock := distlock.NewLock(redisClient, db, "engine:worker", 2*cfg.Worker.TickInterval())
	ticker := time.NewTicker(cfg.Worker.TickInterval())
	defer ticker.Stop()

	logger.Info("worker started", "tick_interval", cfg.Worker.TickInterval().String())

	for {
		runPass(ctx, db, lock, matcher, processor, cfg.Worker.BatchSize)

		select {
		case <-ctx.Done():
			logger.Info("worker stopped")
			return
		case <-ticker.C:
		}
	}
}

func runPass(ctx context.Context, db *sql.DB, lock distlock.DistLock, matcher *notify.Matcher, processor *notify.Processor, batchSize int) {
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		logger.Error("acquire worker lock", "error", err.Error())
		return
	}
	if !acquired {
		logger.Debug("another worker holds the lock, skipping pass")
		return
	}
	defer lock.Release(ctx)

	tenants, err := activeTenants(ctx, db)
	if err != nil {
		logger.Error("list tenants with active triggers", "error", err.Error())
		return
	}

	for _, tenantID := range tenants {
		result, err := matcher.Detect(ctx, tenantID, notify.DetectParams{Max: batchSize})
		if err != nil {
			logger.Error("detect pass", "tenant_id", tenantID.String(), "error", err.Error())
			continue
		}
		if result.Enqueued > 0 {
			logger.Info("detect pass enqueued jobs",
				"tenant_id", tenantID.String(),
				"matched", result.Matched,
				"enqueued", result.Enqueued)
		}
	}

	if _, err := processor.ProcessQueue(ctx, batchSize); err != nil {
		logger.Error("queue pass", "error", err.Error())
	}
}

// activeTenants returns every tenant that has at least one active trigger.
func activeTenants(ctx context.Context, db *sql.DB) ([]uuid.UUID, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT tenant_id FROM engine_triggers WHERE active = true
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
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
	}
	if emailSender, err := sender.NewEmailSender(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region, cfg.SES.From, cfg.SES.Subject); err == nil {
		senders[notify.ChannelEmail] = emailSender
	}

	return senders
}
