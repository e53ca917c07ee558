package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/harvest/classifier"
	"github.com/corvid-labs/harvest/core"
	"github.com/corvid-labs/harvest/domainintel"
	"github.com/corvid-labs/harvest/engines"
	"github.com/corvid-labs/harvest/events"
	"github.com/corvid-labs/harvest/executor"
	"github.com/corvid-labs/harvest/intervention"
	"github.com/corvid-labs/harvest/internal/queue"
	"github.com/corvid-labs/harvest/internal/store/sqlite"
	"github.com/corvid-labs/harvest/sessionpool"
)

// app holds every collaborator harvestd's HTTP surface and worker pool
// need, built once at startup from a core.Config. It plays the role
// the teacher's AppDeps struct does: one place a handler or worker
// pulls its dependencies from, built explicitly rather than via a DI
// container.
type app struct {
	cfg    *core.Config
	logger core.Logger

	sqliteStore *sqlite.Store
	store       *events.PublishingStore // sqliteStore wrapped with live fan-out
	hub         *events.Hub

	domainIntel domainintel.Store
	sessions    *sessionpool.Pool
	engineReg   *engines.Registry
	classifier  *classifier.Classifier

	intervention *intervention.Controller
	sweeper      *intervention.ExpirySweeper

	exec  *executor.Executor
	queue *queue.RunQueue

	allowedOrigins []string
}

// buildApp wires every module named in spec.md behind cfg: Domain
// Intelligence Store, Session Pool, Block Classifier (via the
// executor's use of planner/classifier), Extraction Engines, the
// Intervention Engine, the Run Executor, and the Event Stream.
func buildApp(ctx context.Context, cfg *core.Config, logger core.Logger) (*app, error) {
	dbPath := cfg.Session.StorageDir // co-located with session storage by default
	if dbPath == "" {
		dbPath = "./data"
	}
	sqliteStore, err := sqlite.Open(dbPath + "/harvest.db")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	hub := events.NewHub()
	publishingStore := events.NewPublishingStore(sqliteStore, hub)

	domainIntel, err := buildDomainIntel(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build domain intel store: %w", err)
	}

	sessions, err := sessionpool.New(sessionpool.Options{
		StorageDir:    cfg.Session.StorageDir,
		EncryptionKey: cfg.Session.EncryptionKey,
		TrustFloor:    cfg.Session.TrustFloor,
		MaxUses:       cfg.Session.MaxUses,
		MaxAge:        cfg.Session.MaxAge,
		Logger:        logger.WithComponent("harvest/sessionpool"),
	})
	if err != nil {
		return nil, fmt.Errorf("build session pool: %w", err)
	}

	engineReg := buildEngineRegistry(cfg)
	blockClassifier := classifier.New()

	interventionController := intervention.NewController(
		sqliteStore, sqliteStore, sessions,
		intervention.WithLogger(logger.WithComponent("harvest/intervention")),
		intervention.WithThrottles(cfg.Intervention.ThrottlePerJob, cfg.Intervention.ThrottlePerDomain),
	)

	sweeper, err := intervention.NewExpirySweeper(interventionController, cfg.Intervention.ExpirySweepCron, logger.WithComponent("harvest/intervention"))
	if err != nil {
		return nil, fmt.Errorf("build expiry sweeper: %w", err)
	}

	runQueue := queue.New(256)

	exec := executor.New(executor.Deps{
		Store:        sqliteStore,
		DomainIntel:  domainIntel,
		Sessions:     sessions,
		Engines:      engineReg,
		Intervention: interventionController,
		Events:       publishingStore,
		Classifier:   blockClassifier,
		Scheduler:    &runRequeueScheduler{store: sqliteStore, queue: runQueue, logger: logger.WithComponent("harvest/executor")},
		Logger:       logger.WithComponent("harvest/executor"),
	})

	return &app{
		cfg:            cfg,
		logger:         logger,
		sqliteStore:    sqliteStore,
		store:          publishingStore,
		hub:            hub,
		domainIntel:    domainIntel,
		sessions:       sessions,
		engineReg:      engineReg,
		classifier:     blockClassifier,
		intervention:   interventionController,
		sweeper:        sweeper,
		exec:           exec,
		queue:          runQueue,
		allowedOrigins: cfg.HTTP.CORS.AllowedOrigins,
	}, nil
}

func buildDomainIntel(cfg *core.Config, logger core.Logger) (domainintel.Store, error) {
	switch cfg.DomainIntel.Provider {
	case "redis":
		client, err := core.NewRedisClient(core.RedisClientOptions{
			RedisURL:  cfg.Redis.URL,
			DB:        core.RedisDBDomainIntel,
			Namespace: core.RedisPrefixDomainIntel,
			Logger:    logger.WithComponent("harvest/domainintel"),
		})
		if err != nil {
			return nil, err
		}
		return domainintel.NewRedisStore(client), nil
	default:
		return domainintel.NewMemoryStore(), nil
	}
}

// buildEngineRegistry registers each tier with a factory closed over
// cfg, so every call to Registry.Build(tier, nil) yields an engine
// tuned to the deployment's configuration rather than a tier's
// zero-value package defaults.
func buildEngineRegistry(cfg *core.Config) *engines.Registry {
	reg := engines.NewRegistry()
	_ = reg.Register(engines.Factory{
		Name: "httpfetch",
		Tier: core.EngineHTTP,
		Create: func(interface{}) (engines.Engine, error) {
			return httpfetchEngine(cfg), nil
		},
	})
	_ = reg.Register(engines.Factory{
		Name: "browser",
		Tier: core.EngineBrowser,
		Create: func(interface{}) (engines.Engine, error) {
			return browserEngine(cfg), nil
		},
	})
	_ = reg.Register(engines.Factory{
		Name: "provider",
		Tier: core.EngineProvider,
		Create: func(interface{}) (engines.Engine, error) {
			return providerEngine(cfg), nil
		},
	})
	return reg
}

// runRequeueScheduler implements executor.Scheduler per spec.md
// §4.7's cross-run backoff rule: it creates the follow-up Run row
// right away (attempt = nextAttempt, carrying the resolved strategy
// forward) and, after the cooldown, hands it to the worker pool. The sleep runs in
// its own goroutine so ScheduleRetry itself returns immediately —
// the executor does not block an attempt cycle on a future one's
// backoff.
type runRequeueScheduler struct {
	store *sqlite.Store
	queue *queue.RunQueue

	logger core.Logger
}

func (s *runRequeueScheduler) ScheduleRetry(ctx context.Context, job core.Job, nextAttempt int, strategy core.EngineMode, after time.Duration) error {
	run := core.Run{
		ID:                "run-" + uuid.New().String(),
		JobID:             job.ID,
		Status:            core.RunStatusQueued,
		Attempt:           nextAttempt,
		MaxAttempts:       defaultMaxAttempts,
		RequestedStrategy: strategy,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("schedule retry: create follow-up run: %w", err)
	}

	go func() {
		select {
		case <-time.After(after):
		case <-ctx.Done():
			return
		}
		enqueueCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.queue.Enqueue(enqueueCtx, run.ID); err != nil {
			s.logger.Error("failed to enqueue scheduled retry", map[string]interface{}{"run_id": run.ID, "error": err.Error()})
		}
	}()
	return nil
}
