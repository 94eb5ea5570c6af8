package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"podcast-ads/pkg/classification"
	"podcast-ads/pkg/config"
	"podcast-ads/pkg/db"
	"podcast-ads/pkg/domain"
	"podcast-ads/pkg/jobs"
	"podcast-ads/pkg/scheduler"
	"podcast-ads/pkg/transcription"
)

// service is a fully wired orchestrator plus the scheduler driving it.
type service struct {
	cfg          *config.Config
	logger       *logrus.Logger
	store        db.JobStore
	orchestrator *jobs.Orchestrator
	local        *scheduler.LocalScheduler
	amqp         *scheduler.AMQPScheduler
	closers      []func()
}

func (s *service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// startConsumers runs the stage handler on the configured scheduler.
func (s *service) startConsumers(ctx context.Context) error {
	if s.local != nil {
		return s.local.Start(ctx, s.orchestrator.HandleTask)
	}
	return s.amqp.Start(ctx, s.cfg.SchedulerWorkers, s.orchestrator.HandleTask)
}

func wire(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*service, error) {
	svc := &service{cfg: cfg, logger: logger}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc.store = store
	svc.closers = append(svc.closers, closeStore)

	var sched jobs.Scheduler
	switch cfg.Scheduler {
	case config.SchedulerAMQP:
		svc.amqp = scheduler.NewAMQPScheduler(scheduler.AMQPConfig{
			URL:       cfg.AMQPURL,
			QueueName: cfg.AMQPQueue,
			Prefetch:  cfg.SchedulerWorkers,
		}, logger)
		if err := svc.amqp.Connect(); err != nil {
			svc.Close()
			return nil, err
		}
		svc.closers = append(svc.closers, func() { _ = svc.amqp.Close() })
		sched = svc.amqp
	default:
		svc.local = scheduler.NewLocalScheduler(scheduler.LocalConfig{Workers: cfg.SchedulerWorkers}, logger)
		svc.closers = append(svc.closers, svc.local.Stop)
		sched = svc.local
	}

	transcriber, err := newTranscriber(cfg, logger)
	if err != nil {
		svc.Close()
		return nil, err
	}
	classifier, err := newClassifier(cfg)
	if err != nil {
		svc.Close()
		return nil, err
	}

	svc.orchestrator, err = jobs.New(jobs.Config{
		Repository:          store,
		Transcriber:         transcriber,
		Classifier:          classifier,
		Scheduler:           sched,
		Logger:              logger,
		WindowSec:           cfg.WindowSec,
		StepSec:             cfg.StepSec,
		ClassifyConcurrency: cfg.ClassifyConcurrency,
		StageTimeout:        cfg.StageTimeout,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

// jobReader is what the read-only commands need from a store.
type jobReader interface {
	GetJob(ctx context.Context, id string) (*domain.AdJob, error)
	ExistingEpisodeIDs(ctx context.Context, episodeIDs []string) (map[string]bool, error)
}

// openReader opens the configured store for reading. A Supabase project
// configured with only an API key is read over its REST API.
func openReader(ctx context.Context, cfg *config.Config) (jobReader, func(), error) {
	if cfg.Store != config.StoreSupabase || cfg.SupabasePassword != "" {
		return openStore(ctx, cfg)
	}

	client := db.NewSupabaseClient(db.SupabaseConfig{
		SupabaseURL: cfg.SupabaseURL,
		SupabaseKey: cfg.SupabaseKey,
	})
	if err := client.Connect(ctx); err != nil {
		return nil, nil, err
	}
	reader, err := db.NewRESTJobReader(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return reader, func() { _ = client.Close() }, nil
}

func openStore(ctx context.Context, cfg *config.Config) (db.JobStore, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		return db.NewMemoryStore(), func() {}, nil

	case config.StoreMongo:
		client := db.NewClient(cfg.MongoURI, cfg.MongoDB)
		if err := client.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		closeFn := func() { _ = client.Close(context.Background()) }
		store, err := db.NewMongoStore(client)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			closeFn()
			return nil, nil, err
		}
		return store, closeFn, nil

	case config.StorePostgres:
		client := db.NewPostgresClient(db.PostgresConfig{DSN: cfg.PostgresDSN})
		if err := client.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return sqlStore(ctx, client, func() { _ = client.Close() })

	case config.StoreSupabase:
		client := db.NewSupabaseClient(db.SupabaseConfig{
			SupabaseURL: cfg.SupabaseURL,
			SupabaseKey: cfg.SupabaseKey,
			Password:    cfg.SupabasePassword,
		})
		if err := client.Connect(ctx); err != nil {
			return nil, nil, err
		}
		if !client.HasDirectDB() {
			_ = client.Close()
			return nil, nil, fmt.Errorf("supabase store needs SUPABASE_PASSWORD to run jobs: %w", db.ErrNotConnected)
		}
		return sqlStore(ctx, client, func() { _ = client.Close() })
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}

func sqlStore(ctx context.Context, provider db.DBProvider, closeFn func()) (db.JobStore, func(), error) {
	store, err := db.NewSQLStore(provider)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	return store, closeFn, nil
}

func newTranscriber(cfg *config.Config, logger *logrus.Logger) (jobs.Transcriber, error) {
	if cfg.Transcriber == config.TranscriberStatic {
		return transcription.NewStaticTranscriber(cfg.TranscriptFile)
	}
	return transcription.NewDeepgramTranscriber(transcription.DeepgramConfig{
		APIKey: cfg.DeepgramAPIKey,
		APIURL: cfg.DeepgramURL,
	}, logger)
}

func newClassifier(cfg *config.Config) (jobs.Classifier, error) {
	if cfg.Classifier == config.ClassifierHTTP {
		return classification.NewHTTPClassifier(classification.HTTPConfig{
			URL:     cfg.ClassifierURL,
			APIKey:  cfg.ClassifierAPIKey,
			Timeout: cfg.HTTPRequestTimeout,
		})
	}
	return classification.NewKeywordClassifier(nil, cfg.KeywordThreshold), nil
}
