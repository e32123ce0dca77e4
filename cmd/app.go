package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"ifcscheduler/auth"
	"ifcscheduler/config"
	"ifcscheduler/conversion"
	"ifcscheduler/crawler"
	"ifcscheduler/models"
	"ifcscheduler/mover"
	"ifcscheduler/scheduler"
	"ifcscheduler/services"
	"ifcscheduler/worker"
)

// app is the wired component graph shared by the commands.
type app struct {
	config *config.Config
	logger *slog.Logger

	db          *services.DatabaseService
	redisClient *redis.Client
	pool        *worker.Pool

	serviceCreds *auth.ServiceCredentials
	oauth        *auth.OAuth

	dm       *services.DataManagementClient
	oss      *services.OSSClient
	archive  *services.S3Archive
	crawler  *crawler.Crawler
	dispatch *conversion.Dispatcher
	orch     *conversion.Orchestrator
	batches  *conversion.Processor
	runner   *scheduler.Runner
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := services.NewDatabaseService(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	archive, err := services.NewS3Archive(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	httpClient := &http.Client{Timeout: 5 * time.Minute}
	a := &app{
		config:       cfg,
		logger:       logger,
		db:           db,
		redisClient:  redisClient,
		pool:         worker.NewPool(cfg, redisClient, logger),
		serviceCreds: auth.NewServiceCredentials(auth.ServiceConfig(cfg)),
		oauth:        auth.NewOAuth(auth.UserConfig(cfg), db),
		dm:           services.NewDataManagementClient(cfg.APSBaseURL, httpClient),
		oss:          services.NewOSSClient(cfg.APSBaseURL, httpClient, logger),
		archive:      archive,
	}

	m := mover.New(a.oss, cfg.ScratchDir, logger)
	if archive != nil {
		m.WithArchive(archive)
	}

	a.crawler = crawler.New(a.dm, logger)
	a.dispatch = conversion.NewDispatcher(db, a.pool, cfg.DispatchConcurrency, logger)
	a.orch = conversion.NewOrchestrator(conversion.Deps{
		Jobs:        db,
		Repository:  a.dm,
		Translator:  services.NewModelDerivativeClient(cfg.APSBaseURL, httpClient),
		Objects:     a.oss,
		Mover:       m,
		Queue:       a.pool,
		Notifier:    services.NewEmailNotifier(cfg, logger),
		Credentials: a.serviceCreds,
		Logger:      logger,
	}, conversion.OptionsFromConfig(cfg))
	a.batches = conversion.NewProcessor(a.crawler, a.dispatch, a.serviceCreds, a.oauth, logger)
	a.runner = scheduler.NewRunner(db, a.crawler, a.dispatch, a.serviceCreds, logger)

	a.pool.Handle(models.TaskBegin, a.orch.BeginTask)
	a.pool.Handle(models.TaskPoll, a.orch.Poll)
	a.pool.OnExhausted(a.orch.Abandon)

	return a, nil
}

// ensureBucket makes sure the working bucket exists.
func (a *app) ensureBucket(ctx context.Context) error {
	token, err := a.serviceCreds.Token(ctx)
	if err != nil {
		return err
	}
	return a.oss.EnsureBucket(ctx, token, a.config.BucketKey, a.config.BucketRegion)
}

func (a *app) Close() {
	if err := a.redisClient.Close(); err != nil {
		a.logger.Warn("redis.close.failed", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("database.close.failed", "error", err)
	}
}
