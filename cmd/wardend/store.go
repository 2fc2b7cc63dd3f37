package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/DEEJ4Y/warden"
	"github.com/DEEJ4Y/warden/internal/config"
	"github.com/DEEJ4Y/warden/memory"
	"github.com/DEEJ4Y/warden/mongodb"
	redisstore "github.com/DEEJ4Y/warden/redis"
	"github.com/DEEJ4Y/warden/sqlite"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// openStore builds the configured job store and a func that releases it.
func openStore(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger) (warden.JobStore, func() error, error) {
	nop := func() error { return nil }
	driver := cfg.DriverName()
	log.Debug().Str("driver", driver).Msg("opening store")

	switch driver {
	case "memory":
		log.Warn().Msg("memory store: jobs do not survive a restart")
		return memory.NewStore(), nop, nil

	case "sqlite":
		store, err := sqlite.Open(sqlite.Config{Path: cfg.DSN})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return store, store.Close, nil

	case "mongodb":
		uri := cfg.DSN
		if uri == "" {
			uri = "mongodb://localhost:27017"
		}
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongodb: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("ping mongodb: %w", err)
		}
		database := cfg.Database
		if database == "" {
			database = "warden"
		}
		collection := cfg.Collection
		if collection == "" {
			collection = "jobs"
		}
		store, err := mongodb.NewStore(mongodb.Config{Collection: client.Database(database).Collection(collection)})
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		return store, func() error { return client.Disconnect(context.Background()) }, nil

	case "redis":
		opts, err := redisOptions(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		client := goredis.NewClient(opts)
		store, err := redisstore.NewStore(redisstore.Config{Client: client, Prefix: cfg.Prefix})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func redisOptions(dsn string) (*goredis.Options, error) {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://") {
		opts, err := goredis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	if dsn == "" {
		dsn = "localhost:6379"
	}
	return &goredis.Options{Addr: dsn}, nil
}
