// Package app assembles the import service from configuration. Both the
// HTTP server and the CLI build their Service here.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/config"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/core"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/cursor"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/database"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/notify"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/sped"
)

// App owns the service and the connections behind it.
type App struct {
	Config  *config.Config
	Pool    *pgxpool.Pool
	Store   *database.Store
	Service *core.Service

	closers []io.Closer
}

// New connects to PostgreSQL and the optional brokers and builds the
// Service. The schema is applied when cfg.Database.AutoMigrate is set.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	opts, err := ServiceOptions(cfg.Import)
	if err != nil {
		return nil, err
	}
	opts.QueueOnly = !cfg.Server.RunWorkers

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Pool: pool, Store: database.New(pool)}

	if cfg.Database.AutoMigrate {
		if err := a.Store.Migrate(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	if err := a.wire(ctx, &opts); err != nil {
		a.Close()
		return nil, err
	}
	a.Service = core.NewService(a.Store, opts)
	return a, nil
}

// ServiceOptions translates the import settings. It loads the layout file
// and rejects unknown encodings.
func ServiceOptions(cfg config.ImportConfig) (core.Options, error) {
	enc, err := cursor.ParseEncoding(cfg.Encoding)
	if err != nil {
		return core.Options{}, fmt.Errorf("IMPORT_ENCODING: %w", err)
	}
	layout, err := sped.LoadLayout(cfg.LayoutFile)
	if err != nil {
		return core.Options{}, fmt.Errorf("IMPORT_LAYOUT_FILE: %w", err)
	}
	return core.Options{
		BaseDir:         cfg.BaseDir,
		ChunkSize:       cfg.ChunkSize,
		MaxConcurrent:   cfg.MaxConcurrent,
		MaxWait:         cfg.MaxWaitTime,
		PollInterval:    cfg.PollInterval,
		StaleAfter:      cfg.StaleAfter,
		RefreshTimeout:  cfg.RefreshTimeout,
		HeaderScanLines: cfg.HeaderScanLines,
		Encoding:        enc,
		Layout:          layout,
	}, nil
}

// wire attaches the refresher, publishers and remote progress source.
func (a *App) wire(ctx context.Context, opts *core.Options) error {
	cfg := a.Config

	switch cfg.Import.RefreshMode {
	case config.RefreshPostgres:
		opts.Refresher = database.NewViewRefresher(a.Pool, cfg.Import.RefreshViews)
	case config.RefreshKafka:
		r := notify.NewKafkaRefresher(notify.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.RefreshTopic, cfg.Kafka.WriteTimeout))
		a.closers = append(a.closers, r)
		opts.Refresher = r
	}

	if cfg.Kafka.Enabled() {
		p := notify.NewKafkaPublisher(
			notify.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, cfg.Kafka.WriteTimeout),
			cfg.Kafka.PublishProgress,
		)
		a.closers = append(a.closers, p)
		opts.Publishers = append(opts.Publishers, p)
	}

	if cfg.Redis.Enabled() {
		client, err := notify.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client)
		opts.Publishers = append(opts.Publishers, notify.NewRedisPublisher(client, cfg.Redis.ChannelPrefix))
		opts.Remote = notify.NewRedisSource(client, cfg.Redis.ChannelPrefix)
	}

	slog.Info("import service wired",
		"refresh_mode", cfg.Import.RefreshMode,
		"kafka", cfg.Kafka.Enabled(),
		"redis", cfg.Redis.Enabled(),
		"max_concurrent", cfg.Import.MaxConcurrent,
	)
	return nil
}

// Health pings the database.
func (a *App) Health(ctx context.Context) error {
	return a.Pool.Ping(ctx)
}

// Close releases brokers in reverse order, then the pool.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.Pool != nil {
		a.Pool.Close()
	}
	return errors.Join(errs...)
}
