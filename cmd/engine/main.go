package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/scheduler"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/pkg/docker"
	"github.com/noah-isme/gema-grader/pkg/snapshot"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zerolog.SetGlobalLevel(cfg.Level())
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := connectDatabase(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	tables := append(models.CourseMirrorModels(), &models.RunRecord{})
	if err := db.AutoMigrate(tables...); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	checks := map[string]handler.DependencyCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}

	var lock service.RunLock
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		lock = service.NewRedisRunLock(redisClient, cfg.Schedule.LockTTL)
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	} else {
		logger.Warn().Msg("redis url not configured; runs are not guarded against concurrent engines")
	}

	var publisher service.EventPublisher
	if cfg.NATSURL != "" {
		conn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer conn.Drain()
		publisher = conn
		checks["nats"] = func(context.Context) error {
			if conn.Status() != nats.CONNECTED {
				return fmt.Errorf("nats status %s", conn.Status())
			}
			return nil
		}
	}

	runtime, err := docker.NewDockerRuntime(docker.RuntimeConfig{
		Host:          cfg.Docker.Host,
		BindTarget:    cfg.Docker.BindTarget,
		MemoryLimitMB: int64(cfg.Docker.MemoryMB),
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create docker runtime")
	}
	defer runtime.Close()

	executor := docker.NewRetryableExecutor(runtime, docker.RetryConfig{
		Image:         cfg.Docker.Image,
		MemoryLimitMB: int64(cfg.Docker.MemoryMB),
		Attempts:      cfg.Docker.StartAttempts,
		RetryDelay:    cfg.Docker.RetryDelay,
		PollInterval:  cfg.Docker.PollInterval,
		Logger:        logger,
	})

	var store service.SnapshotStore
	if cfg.Snapshot.Enabled() {
		store = service.ZFSSnapshots{Store: snapshot.NewZFSStore(snapshot.Config{
			Address:        cfg.Snapshot.Address,
			User:           cfg.Snapshot.User,
			PrivateKeyPath: cfg.Snapshot.PrivateKeyPath,
			KnownHostsPath: cfg.Snapshot.KnownHostsPath,
			DatasetRoot:    cfg.Snapshot.DatasetRoot,
			ZFSPath:        cfg.Snapshot.ZFSPath,
			DialTimeout:    cfg.Snapshot.DialTimeout,
			Logger:         logger,
		})}
	} else {
		logger.Warn().Msg("snapshot host not configured; snapshot runs will fail")
	}

	settings := cfg.Settings()
	runRepo := repository.NewRunRepository(db)
	engine := service.NewEngine(service.EngineDependencies{
		LMS:        repository.NewCourseRepository(db),
		Snapshots:  store,
		Executor:   executor,
		Gradebooks: repository.NewGradebookOpener(settings.NbgraderPath),
		Runs:       runRepo,
		Lock:       lock,
		Events:     service.NewRunEvents(publisher, cfg.NATSSubjectPrefix, logger),
	}, settings, logger)

	jobs := scheduler.New(logger)
	if err := registerJobs(jobs, cfg, engine); err != nil {
		logger.Fatal().Err(err).Msg("failed to register jobs")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AccessLog: cfg.AppEnv == "development"})
	router.Register(app, cfg, router.Dependencies{
		RunHandler:   handler.NewRunHandler(runRepo, engine, validate, logger),
		HealthChecks: checks,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobs.Start(ctx)

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()

	waitForShutdown(ctx, app, jobs, logger)
}

func connectDatabase(cfg config.Config) (*gorm.DB, error) {
	if cfg.DatabaseURL != "" {
		return database.ConnectPostgres(cfg.DatabaseURL)
	}
	if cfg.SQLitePath != "" {
		return database.ConnectSQLite(cfg.SQLitePath)
	}
	return nil, fmt.Errorf("either a database url or a sqlite path must be configured")
}

// registerJobs schedules the section flows per section and the grading flow per course group.
func registerJobs(jobs *scheduler.Scheduler, cfg config.Config, engine *service.Engine) error {
	for group, sections := range cfg.Course.Groups {
		for _, section := range sections {
			group, section := group, section
			if err := jobs.Register(scheduler.JobFunc{
				JobName: service.FlowAutoExtension + ":" + section,
				Fn: func(ctx context.Context) error {
					_, err := engine.RunAutoExtension(ctx, group, section)
					return err
				},
			}, cfg.Schedule.AutoExtensionInterval); err != nil {
				return err
			}
			if err := jobs.Register(scheduler.JobFunc{
				JobName: service.FlowSnapshot + ":" + section,
				Fn: func(ctx context.Context) error {
					_, err := engine.RunSnapshots(ctx, group, section)
					return err
				},
			}, cfg.Schedule.SnapshotInterval); err != nil {
				return err
			}
		}

		group := group
		if err := jobs.Register(scheduler.JobFunc{
			JobName: service.FlowGrading + ":" + group,
			Fn: func(ctx context.Context) error {
				_, err := engine.RunGrading(ctx, group)
				return err
			},
		}, cfg.Schedule.GradingInterval); err != nil {
			return err
		}
	}
	return nil
}

func waitForShutdown(ctx context.Context, app *fiber.App, jobs *scheduler.Scheduler, logger zerolog.Logger) {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	jobs.Wait()
	logger.Info().Msg("engine stopped")
}
