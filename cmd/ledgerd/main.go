// Command ledgerd runs one participation-ledger shard: the audit chain, claim
// and receipt services, PoP signer and the HTTP surface.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/wene-labs/ledger/pkg/api"
	"github.com/wene-labs/ledger/pkg/audit"
	"github.com/wene-labs/ledger/pkg/claims"
	"github.com/wene-labs/ledger/pkg/config"
	"github.com/wene-labs/ledger/pkg/disclosure"
	"github.com/wene-labs/ledger/pkg/identity"
	"github.com/wene-labs/ledger/pkg/observability"
	"github.com/wene-labs/ledger/pkg/pop"
	"github.com/wene-labs/ledger/pkg/receipt"
	"github.com/wene-labs/ledger/pkg/sink"
	"github.com/wene-labs/ledger/pkg/store"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	cfg := config.Load()
	if profile := os.Getenv("LEDGER_PROFILE"); profile != "" {
		dir := os.Getenv("LEDGER_PROFILE_DIR")
		if dir == "" {
			dir = "profiles"
		}
		p, err := config.LoadProfile(dir, profile)
		if err != nil {
			logger.Error("profile load failed", "profile", profile, "error", err)
			os.Exit(1)
		}
		p.Apply(cfg)
		logger.Info("profile applied", "profile", profile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage.
	var kv store.KV
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(redisOpts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("redis unreachable", "error", err)
			os.Exit(1)
		}
		kv = store.NewRedisKV(redisClient, "ledger:")
		logger.Info("using redis storage")
	} else {
		kv = store.NewMemoryKV()
		logger.Warn("using in-memory storage; state will not survive restarts")
	}

	// Immutable sinks.
	var objects sink.ObjectStore
	switch {
	case cfg.S3Bucket != "":
		s3Store, err := sink.NewS3ObjectStore(ctx, sink.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   os.Getenv("AWS_REGION"),
			Endpoint: os.Getenv("AUDIT_IMMUTABLE_S3_ENDPOINT"),
		})
		if err != nil {
			logger.Error("s3 object store init failed", "error", err)
			os.Exit(1)
		}
		objects = s3Store
	case cfg.GCSBucket != "":
		gcsStore, err := sink.NewGCSObjectStore(ctx, cfg.GCSBucket)
		if err != nil {
			logger.Error("gcs object store init failed", "error", err)
			os.Exit(1)
		}
		objects = gcsStore
	}

	var index sink.KVIndex
	if redisClient != nil {
		index = sink.NewRedisKVIndex(redisClient, "ledger:")
	}
	var ingest *sink.IngestClient
	if cfg.IngestURL != "" {
		ingest = sink.NewIngestClient(cfg.IngestURL, cfg.IngestToken,
			time.Duration(cfg.IngestFetchTimeoutMS)*time.Millisecond)
	}

	fanout := sink.New(sink.Options{
		Mode:    sink.ParseMode(cfg.AuditImmutableMode),
		Objects: objects,
		Index:   index,
		Ingest:  ingest,
	})
	chain := audit.NewChain(kv, fanout)

	// Domain services.
	events := claims.NewStore(kv, nil)
	users := claims.NewRegistrar(kv)
	codes := receipt.NewCodeReserver(kv, receipt.DefaultLegacyScanLimit)
	verifyEndpoint := os.Getenv("RECEIPT_VERIFY_ENDPOINT")
	if verifyEndpoint == "" {
		verifyEndpoint = "/api/audit/receipts/verify"
	}
	receipts := receipt.NewService(kv, chain, codes, verifyEndpoint)
	signer := pop.NewSigner(pop.SignerConfig{
		SecretKeyB64: cfg.PopSignerSecretKeyB64,
		PublicKeyB58: cfg.PopSignerPubkey,
	})
	prover := pop.NewProver(kv, chain, events, signer)
	ident := identity.NewService(kv, identity.Config{
		MasterPassword: cfg.AdminPassword,
		DemoPassword:   cfg.AdminDemoPassword,
	})

	// Optional SQL-backed search index.
	var sqlIndex *disclosure.SQLIndex
	if cfg.DatabaseURL != "" {
		driver := "sqlite"
		if strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			driver = "postgres"
		}
		db, err := sql.Open(driver, cfg.DatabaseURL)
		if err != nil {
			logger.Error("search database open failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		sqlIndex, err = disclosure.NewSQLIndex(ctx, db, driver)
		if err != nil {
			logger.Error("search index init failed", "error", err)
			os.Exit(1)
		}
		logger.Info("sql search index enabled", "driver", driver)
	}
	disclose := disclosure.NewService(chain, events, ident, sqlIndex)

	// Telemetry.
	obsCfg := observability.DefaultConfig()
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		obsCfg.Enabled = true
		obsCfg.OTLPEndpoint = endpoint
		obsCfg.Environment = envOr("LEDGER_ENV", "production")
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		logger.Error("observability init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	server := api.NewServer(api.Deps{
		Config:     cfg,
		KV:         kv,
		Chain:      chain,
		Events:     events,
		Users:      users,
		Receipts:   receipts,
		Prover:     prover,
		Identity:   ident,
		Disclosure: disclose,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           obs.Middleware(server.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ledger shard listening", "addr", httpServer.Addr,
			"audit_mode", string(fanout.Mode()), "primary_sink", fanout.PrimaryConfigured())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
