package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/perpdex/perpindexer/internal/blob/s3"
	"github.com/perpdex/perpindexer/internal/cache/redis"
	"github.com/perpdex/perpindexer/internal/chain"
	"github.com/perpdex/perpindexer/internal/config"
	"github.com/perpdex/perpindexer/internal/domain"
	"github.com/perpdex/perpindexer/internal/projection"
	"github.com/perpdex/perpindexer/internal/reconcile"
	"github.com/perpdex/perpindexer/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	PG       *postgres.Client
	Store    domain.ProjectionStore
	Assets   domain.AssetStore
	Buckets  domain.BucketStore
	Exposure domain.ExposureStore
	Audit    domain.AuditStore

	// Redis
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	Archiver   *s3blob.Archiver

	// Chain
	Gateway *chain.Gateway
	Reader  *chain.Reader

	// Projection
	AssetCache *projection.AssetCache
	Machine    *projection.Machine

	// Reconciliation
	Reconciler *reconcile.Reconciler
	Backfill   *reconcile.Backfill
}

// needsGateway returns true for modes that subscribe to live contract logs.
func needsGateway(mode string) bool {
	switch mode {
	case "index", "full":
		return true
	default:
		return false
	}
}

// needsReader returns true for modes that read contract state over HTTP RPC.
func needsReader(mode string) bool {
	switch mode {
	case "index", "backfill", "reconcile", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PG = pgClient
	deps.Store = postgres.NewProjectionStore(pool)
	deps.Assets = postgres.NewAssetStore(pool)
	deps.Buckets = postgres.NewBucketStore(pool)
	deps.Exposure = postgres.NewExposureStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 blob storage (only when the archiver runs) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		retention := time.Duration(cfg.Archive.RetentionDays) * 24 * time.Hour
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter, deps.Store, deps.Audit,
			retention, cfg.Archive.Interval.Duration, logger,
		)
	}

	// --- Chain clients ---
	contract := common.HexToAddress(cfg.Chain.ContractAddr)

	if needsGateway(cfg.Mode) {
		deps.Gateway = chain.NewGateway(cfg.Chain.WsURL, contract,
			cfg.Chain.WatchdogInterval.Duration, logger)
	}
	if needsReader(cfg.Mode) {
		reader, err := chain.NewReader(ctx, cfg.Chain.HTTPURL, contract,
			int64(cfg.Reconciler.RPCConcurrency), logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chain reader: %w", err)
		}
		closers = append(closers, reader.Close)
		deps.Reader = reader
	}

	// --- Projection ---
	deps.AssetCache = projection.NewAssetCache(deps.Assets)
	deps.Machine = projection.NewMachine(deps.Store, deps.AssetCache, logger)

	// --- Reconciliation (needs the chain reader) ---
	if deps.Reader != nil {
		deps.Reconciler = reconcile.New(deps.Reader, deps.Store, deps.Machine,
			deps.Audit, cfg.Reconciler.RPCConcurrency, cfg.Reconciler.DBConcurrency, logger)
		deps.Backfill = reconcile.NewBackfill(deps.Reader, deps.Store, deps.Reconciler,
			deps.LockManager, deps.Audit, cfg.Backfill.PageSize, cfg.Backfill.ChunkSize, logger)
	}

	return deps, cleanup, nil
}
