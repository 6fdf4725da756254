// Package app wires configuration into the running services shared by the
// api and worker processes.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/audit"
	"github.com/aimerfeng/CampusRAG/internal/chat"
	"github.com/aimerfeng/CampusRAG/internal/config"
	"github.com/aimerfeng/CampusRAG/internal/database"
	"github.com/aimerfeng/CampusRAG/internal/ingest"
	"github.com/aimerfeng/CampusRAG/internal/jobs"
	"github.com/aimerfeng/CampusRAG/internal/logging"
	"github.com/aimerfeng/CampusRAG/internal/middleware"
	"github.com/aimerfeng/CampusRAG/internal/provider"
	"github.com/aimerfeng/CampusRAG/internal/queue"
	"github.com/aimerfeng/CampusRAG/internal/retrieval"
	"github.com/aimerfeng/CampusRAG/internal/retry"
	"github.com/aimerfeng/CampusRAG/internal/server"
	"github.com/aimerfeng/CampusRAG/internal/vectorindex"
	"github.com/aimerfeng/CampusRAG/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// App holds the shared infrastructure and services of one process
type App struct {
	Config    *config.Config
	DB        *database.DB
	Redis     *redis.Client
	Queue     *queue.RedisQueue
	Index     vectorindex.Index
	Provider  *provider.LangChainClient
	Jobs      *jobs.Service
	Retrieval *retrieval.Service
	Chat      *chat.Orchestrator
	Audit     *audit.Publisher

	consumer string
	logger   zerolog.Logger
	stops    []func()
}

// ConsumerName identifies this process inside the Redis consumer groups and
// as the holder of partition leases. It is the same after a restart, so the
// process picks up its own pending entries and leases right away. Processes
// of one role on one host need distinct WORKER_ID values.
func ConsumerName(role, workerID string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s-%s", role, host, workerID)
}

// New connects to Postgres and Redis, opens the vector index and builds the services
func New(ctx context.Context, cfg *config.Config, consumer string) (*App, error) {
	a := &App{Config: cfg, consumer: consumer, logger: logging.NewLogger("app")}

	db, err := database.New(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.DB = db

	client, err := queue.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.Redis = client

	a.Queue = queue.NewRedisQueue(client, &cfg.Queue, consumer)
	if err := a.Queue.EnsureGroups(ctx); err != nil {
		a.closeConns()
		return nil, err
	}

	index, err := vectorindex.Open(&cfg.VectorIndex)
	if err != nil {
		a.closeConns()
		return nil, err
	}
	a.Index = index

	llm, err := provider.NewLangChainClient(&cfg.Provider, provider.NewCircuitBreakerManager(&cfg.Provider.Breaker))
	if err != nil {
		a.closeConns()
		return nil, err
	}
	a.Provider = llm

	files, err := jobs.NewFileStore(cfg.Ingest.UploadDir)
	if err != nil {
		a.closeConns()
		return nil, err
	}

	a.Audit = audit.NewPublisher(audit.NewRedisSink(client, cfg.Audit.Stream), &cfg.Audit)
	a.Jobs = jobs.NewService(jobs.NewPostgresStore(db.Pool), a.Queue, files, index, a.Audit, &cfg.Ingest)
	a.Retrieval = retrieval.NewService(index, llm, retrieval.NewLLMClassifier(llm), a.Jobs, &cfg.Retrieval)
	a.Chat = chat.NewOrchestrator(llm, a.Retrieval, a.Jobs, chat.NewPostgresConversations(db.Pool), a.Audit, &cfg.Chat)
	return a, nil
}

// StartWorkers runs the indexing pool, the dead-letter consumer and the
// audit consumer until Close
func (a *App) StartWorkers(ctx context.Context) error {
	processor := ingest.NewProcessor(ingest.FileExtractor{}, a.Provider, a.Index, retry.NewPolicy(&a.Config.Worker), &a.Config.Ingest)
	leaser := queue.NewRedisLeaser(a.Redis, &a.Config.Queue, a.consumer)
	pool := worker.NewPool(a.Jobs, a.Queue, processor, a.Queue, &a.Config.Worker, &a.Config.Queue, worker.WithLeaser(leaser))
	if err := pool.Start(ctx); err != nil {
		return err
	}
	a.stops = append(a.stops, pool.Stop)

	dlq := worker.NewDeadLetterConsumer(a.Queue, a.Audit)
	if err := dlq.Start(ctx); err != nil {
		return err
	}
	a.stops = append(a.stops, dlq.Stop)

	auditConsumer := audit.NewConsumer(a.Redis, audit.NewPostgresStore(a.DB.Pool),
		&a.Config.Audit, a.consumer, a.Config.Queue.BlockTimeout)
	if err := auditConsumer.Start(ctx); err != nil {
		return err
	}
	a.stops = append(a.stops, auditConsumer.Stop)
	return nil
}

// Server builds the HTTP surface over the services
func (a *App) Server() *server.APIServer {
	limiter := middleware.NewRedisRateLimiter(a.Redis, &a.Config.RateLimit)
	return server.NewAPIServer(a.Config, server.Deps{
		Jobs:      a.Jobs,
		Retrieval: a.Retrieval,
		Chat:      a.Chat,
		Limiter:   limiter,
		Breakers:  a.Provider.Breakers(),
		Checks: map[string]server.HealthCheck{
			"database": a.DB.Health,
			"redis": func(ctx context.Context) error {
				return a.Redis.Ping(ctx).Err()
			},
		},
	})
}

// Close stops background workers in reverse start order, flushes the audit
// buffer and closes connections
func (a *App) Close(ctx context.Context) {
	for i := len(a.stops) - 1; i >= 0; i-- {
		a.stops[i]()
	}
	a.stops = nil

	flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Audit.Close(flushCtx); err != nil {
		a.logger.Warn().Err(err).Msg("Audit buffer not fully flushed")
	}
	a.closeConns()
}

func (a *App) closeConns() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
