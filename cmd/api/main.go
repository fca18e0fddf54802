package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"handbook/api/internal/activity"
	"handbook/api/internal/app"
	"handbook/api/internal/blob"
	"handbook/api/internal/branches"
	"handbook/api/internal/config"
	"handbook/api/internal/diff"
	"handbook/api/internal/email"
	"handbook/api/internal/events"
	"handbook/api/internal/githost"
	"handbook/api/internal/gitrepo"
	"handbook/api/internal/jobs"
	"handbook/api/internal/lock"
	"handbook/api/internal/logging"
	"handbook/api/internal/merge"
	"handbook/api/internal/pullrequest"
	"handbook/api/internal/queue"
	"handbook/api/internal/rbac"
	"handbook/api/internal/redisconn"
	"handbook/api/internal/search"
	"handbook/api/internal/store"
	"handbook/api/internal/versions"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("api exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataStore, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	checks := map[string]app.Check{}
	var (
		tasks  queue.Queue
		locker lock.Locker
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := redisconn.Open(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		tasks = queue.NewRedisQueue(client, "handbook", cfg.QueueVisibilityTimeout)
		locker = lock.NewRedisLocker(client)
		checks["redis"] = redisCheck(client)
		logger.Info("using redis for the merge queue and branch locks")
	} else {
		tasks = queue.NewMemoryQueue(cfg.QueueVisibilityTimeout)
		locker = lock.NewLocalLocker()
		logger.Warn("REDIS_URL not set, merge queue and locks are in-process only")
	}

	host, err := openGitHost(cfg, logger)
	if err != nil {
		return err
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	var fallback search.Searcher = search.NewStoreScan(dataStore)
	if db != nil {
		fallback = search.NewPgFTS(db)
	}
	searcher := search.NewService(meili, fallback, logger.With(zap.String("system", "search")))

	var blobs blob.Store = blob.NewMemoryStore()
	if strings.TrimSpace(cfg.MinIOEndpoint) != "" {
		minioStore, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return err
		}
		blobs = minioStore
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(strings.Join(cfg.KafkaBrokers, ","), cfg.KafkaTopic)
	}
	defer publisher.Close()

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		logger.Info("SMTP not configured, fix request emails are disabled")
	}

	versionService := versions.NewService(dataStore, versions.ParsePathPolicy(cfg.UnresolvedCategoryPath))
	branchManager := branches.NewManager(dataStore, locker, cfg.EditSessionTTL, logger)
	diffs := diff.NewEngine(dataStore)
	recorder := activity.NewRecorder(dataStore, logger)
	authz := rbac.NewAuthorizer(dataStore)

	worker := queue.NewWorker(tasks, logger, queue.WorkerOptions{
		PollInterval: cfg.QueuePollInterval,
		Concurrency:  cfg.WorkerConcurrency,
	})
	orchestrator := merge.NewOrchestrator(merge.Deps{
		Store:     dataStore,
		Versions:  versionService,
		Branches:  branchManager,
		Activity:  recorder,
		Host:      host,
		Queue:     tasks,
		Indexer:   searcher,
		Publisher: publisher,
		Logger:    logger,
	}, merge.Options{
		MaxRetries:           cfg.MergeMaxRetries,
		RetryDelay:           cfg.MergeRetryDelay,
		ConflictOnExhaustion: cfg.MergeConflictOnExhaustion,
	})
	orchestrator.Register(worker)

	pullRequests := pullrequest.NewService(pullrequest.Deps{
		Store:      dataStore,
		Versions:   versionService,
		Branches:   branchManager,
		Diffs:      diffs,
		Activity:   recorder,
		Authorizer: authz,
		Host:       host,
		Merges:     orchestrator,
		Blobs:      blobs,
		Mailer:     mailer,
		Logger:     logger.With(zap.String("system", "pull_requests")),
	}, pullrequest.Options{
		FixRequestTTL: cfg.FixRequestTTL,
		PublicURL:     cfg.PublicURL,
	})

	go searcher.ReindexAll(ctx, dataStore)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	scheduler := jobs.NewScheduler(logger)
	if err := scheduler.Add(cfg.SweepSchedule, jobs.ExpireSessions{Orgs: dataStore, Sessions: branchManager, Logger: logger}); err != nil {
		return err
	}
	if err := scheduler.Add(cfg.SweepSchedule, jobs.RequeueStalled{Queue: tasks, Logger: logger}); err != nil {
		return err
	}
	scheduler.Start()

	httpServer := app.NewHTTPServer(app.Deps{
		Store:        dataStore,
		Versions:     versionService,
		Branches:     branchManager,
		Diffs:        diffs,
		PullRequests: pullRequests,
		Search:       searcher,
		Authorizer:   authz,
		Logger:       logger,
		Checks:       checks,
	}, app.Options{
		CORSOrigin:    cfg.CORSOrigin,
		SessionSecret: cfg.SessionSecret,
		SessionCookie: cfg.SessionCookie,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("handbook api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			stop()
			<-workerDone
			return fmt.Errorf("serve http: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	scheduler.Stop(shutdownCtx)
	stop()
	<-workerDone
	return nil
}

// openStore returns the database handle too when the driver is postgres so
// the full-text searcher and readiness checks can share it.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, *sql.DB, error) {
	if strings.EqualFold(cfg.StoreDriver, "memory") {
		logger.Warn("using the in-memory store, data is lost on restart")
		return store.NewMemoryStore(), nil, nil
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := store.ApplyMigrationsLogged(ctx, db, cfg.MigrationsDir, logger); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	return store.NewPostgresStore(db), db, nil
}

func openGitHost(cfg config.Config, logger *zap.Logger) (githost.Host, error) {
	if strings.EqualFold(cfg.GitHost, "github") {
		if cfg.GitHubToken == "" || cfg.GitHubOwner == "" || cfg.GitHubRepo == "" {
			return nil, errors.New("GIT_HOST=github needs GITHUB_TOKEN, GITHUB_OWNER and GITHUB_REPO")
		}
		return githost.NewGitHub(githost.GitHubConfig{
			APIURL:     cfg.GitHubAPIURL,
			Token:      cfg.GitHubToken,
			Owner:      cfg.GitHubOwner,
			Repo:       cfg.GitHubRepo,
			BaseBranch: cfg.GitHubBaseBranch,
			RatePerSec: cfg.GitHubRatePerSec,
		}, logger), nil
	}
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return nil, fmt.Errorf("create repos dir: %w", err)
	}
	return gitrepo.New(cfg.ReposDir), nil
}

func redisCheck(client *redis.Client) app.Check {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
