package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/robinfolio/lotsync/internal/broker"
	"github.com/robinfolio/lotsync/internal/config"
	"github.com/robinfolio/lotsync/internal/lock"
	"github.com/robinfolio/lotsync/internal/logging"
	"github.com/robinfolio/lotsync/internal/normalize"
	"github.com/robinfolio/lotsync/internal/store"
	"github.com/robinfolio/lotsync/internal/syncer"
)

// as a CLI application the lifecycle is short, global flags are fine.

var configPath = flag.String("config", "lotsync.yaml", "Path to the YAML configuration file")
var storeName = flag.String("store", "", "Store backend: notion, postgres, bolt or memory (overrides the config file)")
var rawOutput = flag.Bool("raw", false, "Print Markdown as is instead of rendering it for the terminal")

// app holds everything a command needs, built from the configuration.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   store.Store
	source  broker.Source
	file    *broker.FileSource
	syncer  *syncer.Syncer
	cleanup []func()
}

// openApp loads the configuration and connects the store. The order
// source is only opened when withSource is set.
func openApp(ctx context.Context, withSource bool, opts ...syncer.Option) (*app, error) {
	a := &app{logger: logging.Setup(os.Stderr)}
	opened := false
	defer func() {
		if !opened {
			a.Close()
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	if *storeName != "" {
		a.cfg.Store = *storeName
		if err := a.cfg.Validate(); err != nil {
			return nil, err
		}
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	var locker lock.Locker = lock.NewMemoryLocker()
	if a.cfg.RedisURL != "" {
		rdb, err := a.redis()
		if err != nil {
			return nil, err
		}
		a.store = store.NewCachedStore(a.store, rdb, a.cfg.SchemaCacheTTL)
		locker = lock.NewRedisLocker(rdb, a.cfg.LockTTL, "lotsync:lock:", lock.WithLogger(a.logger))
		a.logger.Info("Redis schema cache and instrument locks enabled")
	}

	if withSource {
		if err := a.openSource(); err != nil {
			return nil, err
		}
	}

	opts = append([]syncer.Option{
		syncer.WithLocker(locker),
		syncer.WithLogger(a.logger),
		syncer.WithRetry(a.cfg.Retry),
		syncer.WithWorkers(a.cfg.Workers),
		syncer.WithNormalizer(normalize.New(a.cfg.Paths, normalize.WithLogger(a.logger))),
	}, opts...)
	a.syncer = syncer.New(a.store, a.source, a.cfg.Collections, opts...)
	opened = true
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store {
	case config.StoreNotion:
		n := a.cfg.Notion
		a.store = store.NewNotionStore(store.NotionConfig{
			BaseURL:   n.BaseURL,
			Token:     n.Token,
			Version:   n.Version,
			Databases: n.Databases,
			Icons:     n.Icons,
		})
		a.logger.Info("using Notion store", "databases", len(n.Databases))
		// Notion databases are provisioned upstream; Check reports drift.
		return nil

	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		a.store = pg
		a.logger.Info("connected to PostgreSQL")

	case config.StoreBolt:
		bs, err := store.NewBoltStore(a.cfg.BoltPath)
		if err != nil {
			return err
		}
		a.cleanup = append(a.cleanup, func() { bs.Close() })
		a.store = bs
		a.logger.Info("using bolt store", "path", a.cfg.BoltPath)

	default:
		a.logger.Warn("using in-memory store (data will not persist)")
		a.store = store.NewMemoryStore()
	}

	d, ok := a.store.(store.Definer)
	if !ok {
		return errors.New("store cannot define collections")
	}
	return a.cfg.Collections.Define(ctx, d)
}

func (a *app) redis() (*redis.Client, error) {
	opt, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	a.cleanup = append(a.cleanup, func() { rdb.Close() })
	return rdb, nil
}

func (a *app) openSource() error {
	if err := a.cfg.RequireSource(); err != nil {
		return err
	}
	if path := a.cfg.Broker.OrdersFile; path != "" {
		f, err := broker.OpenFile(path)
		if err != nil {
			return err
		}
		a.file = f
		a.source = f
		a.logger.Info("reading orders from file", "path", path)
		return nil
	}
	a.source = broker.NewClient(a.cfg.Broker.BaseURL, a.cfg.Broker.Token, broker.WithLogger(a.logger))
	return nil
}

// symbols picks the instruments a command works on: the arguments, the
// configured list, or every instrument of an orders file.
func (a *app) symbols(args []string) ([]string, error) {
	if len(args) > 0 {
		return config.SplitSymbols(strings.Join(args, ",")), nil
	}
	if len(a.cfg.Symbols) > 0 {
		return a.cfg.Symbols, nil
	}
	if a.file != nil {
		return a.file.Symbols(), nil
	}
	return nil, errors.New("no symbols: pass them as arguments or set SYMBOLS")
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// printMarkdown renders md for the terminal, or prints it as is with -raw
// or when rendering fails.
func printMarkdown(md string) {
	if *rawOutput {
		fmt.Print(md)
		return
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(120))
	if err == nil {
		var out string
		if out, err = r.Render(md); err == nil {
			fmt.Print(out)
			return
		}
	}
	fmt.Print(md)
}
