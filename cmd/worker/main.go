package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatch/internal/alert"
	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/queue"
	"github.com/ignite/campaign-dispatch/internal/repository/postgres"
	"github.com/ignite/campaign-dispatch/internal/service/dispatch"
	"github.com/ignite/campaign-dispatch/internal/worker"
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

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		opts = &redis.Options{Addr: cfg.Redis.URL}
	}
	redisClient := redis.NewClient(opts)
	defer redisClient.Close()

	redisCtx, redisCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := redisClient.Ping(redisCtx).Err(); err != nil {
		redisCancel()
		log.Fatalf("Redis connection failed: %v", err)
	}
	redisCancel()
	log.Printf("Redis connected: %s", cfg.Redis.URL)

	campaigns := postgres.NewCampaignRepo(db)
	batches := postgres.NewBatchRepo(db)
	sends := postgres.NewSendRepo(db)
	accounts := postgres.NewAccountRepo(db)
	rateLimits := postgres.NewRateLimitRepo(db)
	events := postgres.NewEventRepo(db)

	jobs := queue.New(redisClient, cfg.Dispatch.JobMaxAttempts)
	sink := alert.Fanout{alert.LogSink{}, alert.NewPostgresSink(db)}

	dispatcher := dispatch.New(campaigns, batches, sends, accounts, rateLimits, events, sink, nil)

	pool := worker.NewDispatchWorker(dispatcher, jobs, sink, worker.DispatchWorkerConfig{
		NumWorkers:   cfg.Dispatch.Workers,
		SendLimit:    cfg.Dispatch.Limit,
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
		PollInterval: cfg.Dispatch.PollInterval(),
		Backoff:      cfg.Dispatch.RequeueBackoff(),
	})
	if err := pool.Start(); err != nil {
		log.Fatalf("Failed to start dispatch workers: %v", err)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Println("Shutting down...")
	pool.Stop()
	log.Println("Worker stopped")
}
