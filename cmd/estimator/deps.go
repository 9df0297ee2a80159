package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ignite/cohort-estimator/internal/config"
	"github.com/ignite/cohort-estimator/internal/export"
	"github.com/ignite/cohort-estimator/internal/pipeline"
	"github.com/ignite/cohort-estimator/internal/pkg/distlock"
	"github.com/ignite/cohort-estimator/internal/pkg/logger"
	"github.com/ignite/cohort-estimator/internal/repository/memory"
	"github.com/ignite/cohort-estimator/internal/repository/postgres"
	"github.com/ignite/cohort-estimator/internal/snowflake"
	"github.com/ignite/cohort-estimator/internal/store"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// deps are the long-lived connections of one CLI invocation.
type deps struct {
	cfg   *config.Config
	db    *sql.DB
	redis *redis.Client
	sf    *snowflake.Client
	store *postgres.StoreRepo
}

func loadConfig(path string) *config.Config {
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.Redact())
	return cfg
}

func connect(ctx context.Context, cfg *config.Config) (*deps, error) {
	d := &deps{cfg: cfg}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.Lifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	d.db = db
	d.store = postgres.NewStoreRepo(db)
	log.Println("Connected to database")

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		d.redis = redis.NewClient(opts)
		if err := d.redis.Ping(pingCtx).Err(); err != nil {
			d.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		log.Println("Connected to Redis (partition locks and checkpoints)")
	} else {
		log.Println("REDIS_URL not set, using Postgres advisory locks and checkpoints")
	}

	if cfg.Estimator.EventSource == "snowflake" {
		sfCfg := snowflake.Config{
			Account:     cfg.Snowflake.Account,
			User:        cfg.Snowflake.User,
			Password:    cfg.Snowflake.Password,
			Database:    cfg.Snowflake.Database,
			Schema:      cfg.Snowflake.Schema,
			Warehouse:   cfg.Snowflake.Warehouse,
			Role:        cfg.Snowflake.Role,
			EventsTable: cfg.Snowflake.EventsTable,
		}
		if conn := os.Getenv("SNOWFLAKE_CONNECTION_STRING"); conn != "" {
			parsed := snowflake.ParseConnectionString(conn)
			parsed.EventsTable = sfCfg.EventsTable
			sfCfg = parsed
		}
		sf, err := snowflake.NewClient(sfCfg)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("snowflake: %w", err)
		}
		if err := sf.Ping(pingCtx); err != nil {
			sf.Close()
			d.Close()
			return nil, fmt.Errorf("ping snowflake: %w", err)
		}
		d.sf = sf
		log.Printf("Reading events from Snowflake %s.%s.%s", sfCfg.Database, sfCfg.Schema, sfCfg.EventsTable)
	}
	return d, nil
}

func (d *deps) Close() {
	if d.sf != nil {
		d.sf.Close()
	}
	if d.redis != nil {
		d.redis.Close()
	}
	if d.db != nil {
		d.db.Close()
	}
}

func (d *deps) events() store.EventSource {
	if d.sf != nil {
		return d.sf
	}
	return d.store
}

func (d *deps) exporter(ctx context.Context) (*export.S3Exporter, error) {
	if !d.cfg.Export.Enabled || d.cfg.Export.S3Bucket == "" {
		return nil, nil
	}
	return export.New(ctx, d.cfg.Export)
}

// runner wires the pipeline. A dry run reads the real inputs but keeps
// every output in memory and publishes nothing.
func (d *deps) runner(ctx context.Context, dryRun bool) (*pipeline.Runner, error) {
	opts := pipeline.OptionsFromConfig(d.cfg)

	if dryRun {
		return pipeline.NewRunner(memory.New(), opts,
			pipeline.WithEventSource(d.events()),
			pipeline.WithReferenceSource(d.store),
		), nil
	}

	options := []pipeline.Option{pipeline.WithEventSource(d.events())}
	ttl := d.cfg.Estimator.LockTTL()
	options = append(options, pipeline.WithLocks(func(key string) distlock.DistLock {
		return distlock.NewLock(d.redis, d.db, key, ttl)
	}))
	if d.redis != nil {
		options = append(options, pipeline.WithCheckpoints(pipeline.NewRedisCheckpoints(d.redis, 0)))
	}

	ex, err := d.exporter(ctx)
	if err != nil {
		return nil, err
	}
	if ex != nil {
		options = append(options, pipeline.WithExporter(ex))
	}
	return pipeline.NewRunner(d.store, opts, options...), nil
}
