package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatch/internal/alert"
	"github.com/ignite/campaign-dispatch/internal/api"
	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatch/internal/queue"
	"github.com/ignite/campaign-dispatch/internal/repository/postgres"
	"github.com/ignite/campaign-dispatch/internal/service/dispatch"
	"github.com/ignite/campaign-dispatch/internal/service/health"
	"github.com/ignite/campaign-dispatch/internal/service/scheduling"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Pool limits early to prevent connection exhaustion
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(30 * time.Second)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Database ping failed: %v", err)
	}
	pingCancel()
	log.Println("Database connected")

	redisClient, err := connectRedis(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Redis connection failed: %v", err)
	}
	defer redisClient.Close()
	log.Printf("Redis connected: %s", cfg.Redis.URL)

	handlers := buildHandlers(cfg, db, redisClient)
	router := api.SetupRoutes(handlers, nil)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

func connectRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func buildHandlers(cfg *config.Config, db *sql.DB, redisClient *redis.Client) *api.Handlers {
	campaigns := postgres.NewCampaignRepo(db)
	batches := postgres.NewBatchRepo(db)
	sends := postgres.NewSendRepo(db)
	accounts := postgres.NewAccountRepo(db)
	rateLimits := postgres.NewRateLimitRepo(db)
	events := postgres.NewEventRepo(db)
	recipients := postgres.NewRecipientSource(db)

	jobs := queue.New(redisClient, cfg.Dispatch.JobMaxAttempts)
	sink := alert.Fanout{alert.LogSink{}, alert.NewPostgresSink(db)}

	lockFactory := func(key string) scheduling.Locker {
		return distlock.New(redisClient, db, key, 30*time.Second)
	}

	scheduler := scheduling.New(campaigns, batches, recipientSource{recipients}, jobs, lockFactory, cfg.Scheduler.PageSize)
	dispatcher := dispatch.New(campaigns, batches, sends, accounts, rateLimits, events, sink, nil)
	healthSvc := health.New(accounts, rateLimits, batches, sends, jobs)

	return api.NewHandlers(db, redisClient, scheduler, dispatcher, healthSvc, nil)
}

// recipientSource adapts the concrete pager to the scheduler's interface.
type recipientSource struct {
	src *postgres.RecipientSource
}

func (s recipientSource) Open(campaign *domain.Campaign, pageSize int) (scheduling.Pager, error) {
	return s.src.Open(campaign, pageSize)
}
