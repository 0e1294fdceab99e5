package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/warp/punch-ledger/api"
	"github.com/warp/punch-ledger/config"
	"github.com/warp/punch-ledger/events"
	"github.com/warp/punch-ledger/export"
	"github.com/warp/punch-ledger/identity"
	"github.com/warp/punch-ledger/production"
	"github.com/warp/punch-ledger/production/store"
	"github.com/warp/punch-ledger/store/postgres"
	"github.com/warp/punch-ledger/store/sqlite"
)

// app is everything a command needs, built from config.
type app struct {
	cfg       config.Config
	logger    *log.Logger
	store     api.Store
	reporter  *production.Reporter
	recoverer *production.Recoverer
	archiver  *export.S3Archiver // nil unless export.s3_bucket is set

	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *log.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, closeStore)

	sink, err := a.eventSink()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.reporter = production.NewReporter(st, actorResolver(cfg.Auth, st), cfg.EngineConfig(),
		production.WithLogger(logger),
		production.WithAuthorizer(identity.NewWorkstationAuthorizer(st)),
		production.WithEventSink(sink),
	)
	a.recoverer = production.NewRecoverer(a.reporter,
		production.RecoveryMode(cfg.Recovery.Mode), cfg.Recovery.Grace.Duration)

	if cfg.Export.S3Bucket != "" {
		a.archiver, err = export.NewS3Archiver(ctx, cfg.Export.S3Bucket, cfg.Export.S3Prefix)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("s3 archiver: %w", err)
		}
	}
	return a, nil
}

// Close releases the store and event sinks in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) eventSink() (production.EventSink, error) {
	sinks := events.Multi{events.NewLogSink(a.logger)}
	if len(a.cfg.Kafka.Brokers) == 0 {
		return sinks, nil
	}
	kafkaSink, err := events.NewKafkaSink(events.KafkaConfig{
		Brokers: a.cfg.Kafka.Brokers,
		Topic:   a.cfg.Kafka.Topic,
	})
	if err != nil {
		return nil, fmt.Errorf("kafka sink: %w", err)
	}
	a.closers = append(a.closers, kafkaSink.Close)
	return append(sinks, kafkaSink), nil
}

func openStore(ctx context.Context, db config.DatabaseConfig) (api.Store, func() error, error) {
	switch db.Driver {
	case "memory":
		return store.NewMemory(), func() error { return nil }, nil
	case "sqlite":
		s, err := sqlite.New(db.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return s, s.Close, nil
	case "postgres":
		s, err := postgres.New(ctx, db.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", db.Driver)
	}
}

// actorResolver uses signed tokens when a secret is configured, bare
// employee numbers otherwise.
func actorResolver(auth config.AuthConfig, dir identity.Directory) production.ActorResolver {
	if auth.JWTSecret != "" {
		return identity.NewTokenResolver(dir, []byte(auth.JWTSecret), auth.Issuer)
	}
	return identity.NewDirectoryResolver(dir)
}
