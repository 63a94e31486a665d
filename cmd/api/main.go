package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bryanwahyu/custodia/internal/application"
	appanalysis "github.com/bryanwahyu/custodia/internal/application/analysis"
	appevidence "github.com/bryanwahyu/custodia/internal/application/evidence"
	"github.com/bryanwahyu/custodia/internal/config"
	"github.com/bryanwahyu/custodia/internal/domain/ai"
	"github.com/bryanwahyu/custodia/internal/domain/analysis"
	"github.com/bryanwahyu/custodia/internal/domain/custody"
	"github.com/bryanwahyu/custodia/internal/domain/evidence"
	"github.com/bryanwahyu/custodia/internal/domain/plugin"
	"github.com/bryanwahyu/custodia/internal/infra/ai/openai"
	"github.com/bryanwahyu/custodia/internal/infra/db"
	mysqlp "github.com/bryanwahyu/custodia/internal/infra/db/mysql"
	"github.com/bryanwahyu/custodia/internal/infra/db/postgres"
	"github.com/bryanwahyu/custodia/internal/infra/db/sqlite"
	"github.com/bryanwahyu/custodia/internal/infra/db/store"
	"github.com/bryanwahyu/custodia/internal/infra/executor/docker"
	"github.com/bryanwahyu/custodia/internal/infra/httpserver"
	"github.com/bryanwahyu/custodia/internal/infra/keystore"
	"github.com/bryanwahyu/custodia/internal/infra/storage"
	"github.com/bryanwahyu/custodia/internal/middleware"
	"github.com/bryanwahyu/custodia/internal/plugins"
	"github.com/bryanwahyu/custodia/internal/vault"
)

func main() {
	cfg, err := config.FromArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log := newLogger(cfg)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("custodia exited", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, db.Dialect, error) {
	switch cfg.Database.Driver {
	case "mysql":
		conn, err := mysqlp.Connect(ctx, cfg.MySQLDSN())
		return conn, mysqlp.Dialect(), err
	case "postgres":
		conn, err := postgres.Connect(ctx, cfg.PostgresDSN())
		return conn, postgres.Dialect(), err
	default:
		conn, err := sqlite.Connect(ctx, cfg.Database.Path)
		return conn, sqlite.Dialect(), err
	}
}

type blobStore interface {
	evidence.BlobStore
	Ping(context.Context) error
}

func openBlobs(ctx context.Context, cfg *config.Config) (blobStore, error) {
	if cfg.Storage.Backend == "minio" {
		return storage.NewMinio(ctx, storage.MinioConfig{
			Endpoint:   cfg.Minio.Endpoint,
			AccessKey:  cfg.Minio.AccessKey,
			SecretKey:  cfg.Minio.SecretKey,
			BucketName: cfg.Minio.BucketName,
			Region:     cfg.Minio.Region,
			UseSSL:     cfg.Minio.UseSSL,
		})
	}
	return storage.NewFileStore(cfg.Storage.Dir)
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// database
	conn, dialect, err := openDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%s connect: %w", cfg.Database.Driver, err)
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn, dialect); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// blob storage
	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%s storage init: %w", cfg.Storage.Backend, err)
	}

	// master key + vault
	keys, err := keystore.Open(keystore.Config{
		ServiceName: cfg.Keyring.ServiceName,
		Backends:    cfg.Keyring.Backends,
		FileDir:     cfg.Keyring.FileDir,
		PasswordEnv: cfg.Keyring.PasswordEnv,
		MasterKeyID: cfg.Keyring.MasterKeyID,
		CreateKey:   cfg.Keyring.CreateIfMissing,
	})
	if err != nil {
		return err
	}
	if cfg.Keyring.CreateIfMissing {
		created, err := keys.Ensure(cfg.Keyring.MasterKeyID)
		if err != nil {
			return fmt.Errorf("ensure master key: %w", err)
		}
		if created {
			log.Warn("generated new master key; back up the keyring before storing evidence", "key_id", cfg.Keyring.MasterKeyID)
		}
	}
	var vopts []vault.Option
	if cfg.Vault.ChunkSize > 0 {
		vopts = append(vopts, vault.WithChunkSize(cfg.Vault.ChunkSize))
	}
	v := vault.New(keys, cfg.Keyring.MasterKeyID, vopts...)
	ledgerKey, err := v.LedgerKey(ctx)
	if err != nil {
		return fmt.Errorf("ledger key: %w", err)
	}
	sealer, err := custody.NewSealer(ledgerKey)
	if err != nil {
		return err
	}
	st := store.New(conn, dialect, sealer)
	clock := application.SystemClock{}
	metrics := middleware.NewMetrics()

	// plugins
	disabled := cfg.Plugins.Disabled
	var triageClient ai.Client
	if cfg.OpenAI.APIKey != "" {
		triageClient = openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL)
	} else {
		disabled = append(disabled, "ai_triage")
	}
	maxRead := cfg.Plugins.MaxReadBytes
	all := []plugin.Plugin{
		plugins.ImageMetadata{MaxBytes: maxRead},
		plugins.PDFMetadata{MaxBytes: maxRead},
		plugins.IdentityValidator{MaxBytes: maxRead},
		plugins.SecretScanner{MaxBytes: maxRead},
		plugins.AITriage{Client: triageClient, ExcerptBytes: cfg.OpenAI.ExcerptBytes},
	}
	if len(cfg.Plugins.Tools) > 0 {
		runner := docker.NewRunner(cfg.Plugins.Docker.TempDir)
		if cfg.Plugins.Docker.Binary != "" {
			runner.Binary = cfg.Plugins.Docker.Binary
		}
		runner.Memory = cfg.Plugins.Docker.Memory
		runner.CPUs = cfg.Plugins.Docker.CPUs
		for _, t := range cfg.Plugins.Tools {
			all = append(all, plugins.ContainerTool{
				Name:         t.Name,
				Version:      t.Version,
				Description:  t.Description,
				Extensions:   t.Extensions,
				ContentTypes: t.ContentTypes,
				Spec:         plugin.ToolSpec{Image: t.Image, Args: t.Args},
				OKExitCodes:  t.OKExitCodes,
				JSONOutput:   t.JSONOutput,
				Runner:       runner,
			})
		}
	}
	registry, err := plugins.NewRegistry(disabled, all...)
	if err != nil {
		return err
	}

	evidenceSvc := &appevidence.Service{
		Repo:            st,
		Ledger:          st,
		Blobs:           blobs,
		Vault:           v,
		Sealer:          sealer,
		Clock:           clock,
		Log:             log.With("component", "evidence"),
		MaxUploadBytes:  cfg.Server.MaxUploadBytes,
		PreAuthenticate: cfg.Vault.PreAuthenticate,
		OnCommit: func(_ context.Context, it *evidence.Item) {
			metrics.EvidenceCommitted.Add(1)
			metrics.BytesIngested.Add(uint64(it.Size))
		},
	}
	dispatcher := &appanalysis.Dispatcher{
		Plugins:     registry,
		Evidence:    evidenceSvc,
		Queue:       st,
		Clock:       clock,
		Log:         log.With("component", "dispatcher"),
		MaxAttempts: cfg.Scheduler.MaxAttempts,
	}
	sched := appanalysis.NewScheduler(st, dispatcher, clock, log, appanalysis.Config{
		Workers:           cfg.Scheduler.Workers,
		Backoff:           analysis.Backoff{Base: cfg.Scheduler.BaseDelay, Max: cfg.Scheduler.MaxDelay},
		Lease:             cfg.Scheduler.Lease,
		HeartbeatInterval: cfg.Scheduler.HeartbeatInterval,
		TaskTimeout:       cfg.Scheduler.TaskTimeout,
		CancelGrace:       cfg.Scheduler.CancelGrace,
		PollInterval:      cfg.Scheduler.PollInterval,
		ReapInterval:      cfg.Scheduler.ReapInterval,
	})
	dispatcher.OnEnqueue = sched.Wake
	metrics.Extra = func() map[string]any {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s, err := sched.Stats(sctx)
		if err != nil {
			return map[string]any{"scheduler_error": err.Error()}
		}
		return map[string]any{"scheduler": s}
	}

	// workers jalan di context terpisah supaya bisa di-stop setelah HTTP selesai
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	sched.Start(workCtx)
	go evidenceSvc.RunSweeper(workCtx, cfg.Integrity.SweepInterval, cfg.Integrity.SweepBatch)

	limiter := middleware.NewRateLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond)
	defer limiter.Stop()

	handler := httpserver.NewRouter(httpserver.Deps{
		Evidence:  evidenceSvc,
		Dispatch:  dispatcher,
		Scheduler: sched,
		Results:   &appanalysis.Results{Store: st, Evidence: evidenceSvc},
		Log:       log,
		Metrics:   metrics,
		RateLimit: limiter,
		Health: map[string]middleware.HealthChecker{
			"database": &middleware.DatabaseHealthChecker{DB: conn},
			"storage":  middleware.CheckFunc(blobs.Ping),
			"keyring": middleware.CheckFunc(func(ctx context.Context) error {
				_, err := keys.MasterKey(ctx, cfg.Keyring.MasterKeyID)
				return err
			}),
		},
		APIKeys:     cfg.Auth.APIKeys,
		CORSOrigins: cfg.Server.CORSOrigins,
		AutoAnalyze: cfg.Scheduler.AutoAnalyze,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", addr, "db", cfg.Database.Driver, "storage", cfg.Storage.Backend,
			"workers", cfg.Scheduler.Workers, "plugins", len(registry.List()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	// graceful shutdown
	log.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "err", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Error("scheduler shutdown", "err", err)
	}
	stopWork()
	return nil
}
