// Archiver verifies per-user audit hash chains and uploads them as bundles
// to S3-compatible storage.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bturcanu/OpenConduit/pkg/archiver"
	"github.com/bturcanu/OpenConduit/pkg/audit"
	"github.com/bturcanu/OpenConduit/pkg/config"
)

type settings struct {
	s3       archiver.S3Config
	user     string // archive only this user when set
	runOnce  bool
	interval time.Duration
}

func loadSettings() settings {
	return settings{
		s3: archiver.S3Config{
			Endpoint:  config.EnvOr("EVIDENCE_S3_ENDPOINT", "localhost:9000"),
			AccessKey: config.EnvOr("EVIDENCE_S3_ACCESS_KEY", "minioadmin"),
			SecretKey: config.EnvOr("EVIDENCE_S3_SECRET_KEY", "minioadmin"),
			Bucket:    config.EnvOr("EVIDENCE_S3_BUCKET", "conduit-audit"),
			Region:    config.EnvOr("EVIDENCE_S3_REGION", "us-east-1"),
			Secure:    config.EnvOrBool("EVIDENCE_S3_SECURE", false),
		},
		user:     os.Getenv("ARCHIVER_USER"),
		runOnce:  config.EnvOrBool("ARCHIVER_RUN_ONCE", true),
		interval: config.EnvOrDuration("ARCHIVER_INTERVAL", 5*time.Minute),
	}
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	if err := config.LoadDotEnv(); err != nil {
		log.Warn(".env load failed", "error", err)
	}
	cfg := loadSettings()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, config.PostgresDSN())
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	uploader, err := archiver.NewS3Uploader(cfg.s3)
	if err != nil {
		log.Error("object store init failed", "error", err)
		os.Exit(1)
	}
	if err := uploader.EnsureBucket(ctx); err != nil {
		log.Error("bucket check failed", "bucket", cfg.s3.Bucket, "error", err)
		os.Exit(1)
	}

	svc := archiver.New(audit.NewPGSink(pool), uploader)
	runPass(ctx, log, svc, cfg.user)
	if cfg.runOnce {
		return
	}

	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("archiver stopping")
			return
		case <-ticker.C:
			runPass(ctx, log, svc, cfg.user)
		}
	}
}

// runPass archives one user, or every user with audit records when user is
// empty. Failures are logged and retried on the next pass.
func runPass(ctx context.Context, log *slog.Logger, svc *archiver.Service, user string) {
	start := time.Now()
	if user != "" {
		key, err := svc.ArchiveUser(ctx, user)
		switch {
		case err != nil:
			log.Error("archive user failed", "requesting_user", user, "error", err)
		case key == "":
			log.Info("nothing new to archive", "requesting_user", user)
		default:
			log.Info("archived audit bundle", "requesting_user", user, "key", key)
		}
		return
	}

	keys, failed, err := svc.ArchiveAll(ctx)
	if err != nil {
		log.Error("archive pass aborted", "error", err)
	}
	for u, uerr := range failed {
		log.Error("archive user failed", "requesting_user", u, "error", uerr)
	}
	log.Info("archive pass complete",
		"bundles", len(keys),
		"failed_users", len(failed),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
