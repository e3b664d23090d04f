package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v2"
	"gorm.io/gorm"

	"github.com/bluesky-social/ozone/daemon"
	"github.com/bluesky-social/ozone/internal/background"
	"github.com/bluesky-social/ozone/labels"
	"github.com/bluesky-social/ozone/models"
	"github.com/bluesky-social/ozone/moderation"
	"github.com/bluesky-social/ozone/pusher"
	"github.com/bluesky-social/ozone/scheduled"
	"github.com/bluesky-social/ozone/signing"
	"github.com/bluesky-social/ozone/util/cliutil"
)

// service holds everything one ozoned process runs.
type service struct {
	logger *slog.Logger
	db     *gorm.DB
	rdb    *redis.Client
	bg     *background.Queue

	projector *moderation.Projector
	emitter   *moderation.Emitter
	sequencer *labels.Sequencer
	daemon    *daemon.Daemon
}

func setupNotifier(ctx context.Context, cctx *cli.Context, db *gorm.DB, logger *slog.Logger) (labels.Notifier, *redis.Client, error) {
	switch kind := cctx.String("label-notifier"); kind {
	case "", "local":
		return labels.NewLocalNotifier(), nil, nil
	case "pg", "postgres":
		if !cliutil.IsPostgres(db) {
			return nil, nil, fmt.Errorf("pg label notifier requires a postgres database")
		}
		return labels.NewPGNotifier(db, cctx.String("database-url"), logger), nil, nil
	case "redis":
		if cctx.String("redis-url") == "" {
			return nil, nil, fmt.Errorf("redis label notifier requires --redis-url")
		}
		opt, err := redis.ParseURL(cctx.String("redis-url"))
		if err != nil {
			return nil, nil, fmt.Errorf("parsing redis URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}
		return labels.NewRedisNotifier(rdb), rdb, nil
	default:
		return nil, nil, fmt.Errorf("unknown label notifier %q", kind)
	}
}

func pushTargets(cctx *cli.Context) map[string]pusher.Service {
	targets := make(map[string]pusher.Service)
	if u := cctx.String("pds-url"); u != "" {
		targets[models.PushEventPDSTakedown] = pusher.Service{URL: u, DID: cctx.String("pds-did")}
	}
	if u := cctx.String("appview-url"); u != "" {
		targets[models.PushEventAppviewTakedown] = pusher.Service{URL: u, DID: cctx.String("appview-did")}
	}
	return targets
}

func setupService(ctx context.Context, cctx *cli.Context, logger *slog.Logger) (*service, error) {
	serviceDID := cctx.String("service-did")
	if !strings.HasPrefix(serviceDID, "did:") {
		return nil, fmt.Errorf("service DID must be a DID: %q", serviceDID)
	}

	key, err := signing.ParsePrivateMultibase(cctx.String("signing-key"))
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}

	db, err := cliutil.SetupDatabase(cctx.String("database-url"), cliutil.DatabaseOptions{
		MaxConnections: cctx.Int("max-db-connections"),
		Tracing:        cctx.Bool("db-tracing"),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	notifier, rdb, err := setupNotifier(ctx, cctx, db, logger)
	if err != nil {
		return nil, err
	}
	store, err := labels.NewStore(serviceDID, key, notifier, logger)
	if err != nil {
		return nil, err
	}

	bg := background.NewQueue(cctx.Int("background-concurrency"), logger)

	targets := pushTargets(cctx)
	eventTypes := make([]string, 0, len(targets))
	for et := range targets {
		eventTypes = append(eventTypes, et)
	}
	if len(eventTypes) == 0 {
		logger.Warn("no downstream services configured, takedowns will not be propagated")
	}
	pushQueue := pusher.NewQueue(eventTypes, 0)
	client := pusher.NewClient(pusher.ClientConfig{
		ServiceDID:        serviceDID,
		SigningKey:        key,
		Targets:           targets,
		RequestsPerSecond: cctx.Float64("push-rate-limit"),
		Logger:            logger,
	})
	ep := pusher.NewEventPusher(db, pushQueue, client, bg, pusher.EventPusherOptions{
		PollInterval: cctx.Duration("push-poll-interval"),
		Concurrency:  cctx.Int("push-concurrency"),
		Logger:       logger,
	})

	proj := moderation.NewProjector(db, moderation.Config{
		ServiceDID: serviceDID,
		Labels:     store,
		Push:       pushQueue,
		Attempter:  ep,
		Background: bg,
		Logger:     logger,
	})
	var mailer moderation.Mailer
	if _, ok := targets[models.PushEventPDSTakedown]; ok {
		mailer = client
	}
	emitter := moderation.NewEmitter(proj, mailer, logger)

	processor := scheduled.NewProcessor(scheduled.NewService(db, nil), emitter, scheduled.ProcessorOptions{Logger: logger})
	d, err := daemon.New(daemon.Config{
		Projector:  proj,
		Pusher:     ep,
		Scheduled:  processor,
		Background: bg,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return &service{
		logger:    logger,
		db:        db,
		rdb:       rdb,
		bg:        bg,
		projector: proj,
		emitter:   emitter,
		sequencer: labels.NewSequencer(db, store, notifier, labels.SequencerOptions{Logger: logger}),
		daemon:    d,
	}, nil
}

// Shutdown stops periodic work, drains the background queue and closes
// connections.
func (s *service) Shutdown(ctx context.Context) error {
	var errs []error
	errs = append(errs, s.daemon.Shutdown(ctx))
	errs = append(errs, s.bg.Destroy(ctx))
	if s.rdb != nil {
		errs = append(errs, s.rdb.Close())
	}
	if sqlDB, err := s.db.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	}
	s.logger.Info("ozoned stopped")
	return errors.Join(errs...)
}
