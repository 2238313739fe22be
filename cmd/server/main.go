package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/forcebench/forcebench/internal/config"
	"github.com/forcebench/forcebench/internal/job"
	"github.com/forcebench/forcebench/internal/logging"
	"github.com/forcebench/forcebench/internal/metrics"
	"github.com/forcebench/forcebench/internal/salesforce"
	"github.com/forcebench/forcebench/internal/storage"
	"github.com/forcebench/forcebench/internal/vault"
	"github.com/forcebench/forcebench/internal/web"
	"github.com/forcebench/forcebench/internal/wizard"
)

// janitorInterval paces the background sweep of expired wizard sessions and
// stale terminal jobs.
const janitorInterval = time.Minute

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"api_version", cfg.Salesforce.APIVersion,
		"db_max_conns", cfg.Database.MaxConns,
		"jobs_max_concurrent", cfg.Jobs.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	ctx := context.Background()

	pool, err := storage.Connect(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	}

	if err := storage.Migrate(ctx, cfg.Database.URL); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	v, err := vault.New(cfg.Vault.Passphrase, cfg.Vault.Salt, storage.NewCredentialStore(pool))
	if err != nil {
		slog.Error("failed to open credential vault", "error", err)
		os.Exit(1)
	}

	rec := metrics.NewRecorder()

	client := salesforce.New(v, salesforce.Config{
		LoginURL:     cfg.Salesforce.LoginURL,
		APIVersion:   cfg.Salesforce.APIVersion,
		ClientID:     cfg.Salesforce.ClientID,
		ClientSecret: cfg.Salesforce.ClientSecret,
		RedirectURL:  cfg.Salesforce.RedirectURL,
		CallTimeout:  cfg.Salesforce.CallTimeout,
		QueryTimeout: cfg.Salesforce.QueryTimeout,
	}, rec)

	jobStore := storage.NewJobStore(pool)
	auditStore := storage.NewAuditStore(pool)
	historyStore := storage.NewHistoryStore(pool)

	orch := job.New(client, jobStore, job.Config{
		BatchSize:    cfg.Jobs.BatchSize,
		MaxBatchSize: config.MaxBatchSize,
		PollInterval: cfg.Jobs.PollInterval,
		JobTimeout:   cfg.Jobs.JobTimeout,
		RetainFor:    cfg.Jobs.RetainFor,
		Backoff: job.BackoffPolicy{
			InitialDelay: cfg.Jobs.BackoffInitial,
			MaxDelay:     cfg.Jobs.BackoffMax,
			MaxAttempts:  cfg.Jobs.PollMaxAttempts,
		},
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		MaxWait:       cfg.Jobs.MaxWaitTime,
	}, job.Options{
		Audit:     auditStore,
		Describes: client.Describes(),
		Metrics:   rec,
	})

	submitter := job.NewSubmitter(client, orch, cfg.Upload.Dir, auditStore)
	wizardMgr := wizard.NewManager(client, submitter, 0)

	server := web.NewServer(cfg, web.Deps{
		Client:  client,
		Vault:   v,
		Jobs:    orch,
		Wizard:  wizardMgr,
		History: historyStore,
		Audits:  auditStore,
		DB:      pool,
		Metrics: rec,
		ResetData: func(ctx context.Context) error {
			return storage.ResetData(ctx, pool)
		},
	})

	// Janitor: sweep expired wizard sessions and stale terminal jobs.
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-janitorCtx.Done():
				return
			case <-ticker.C:
				if n := wizardMgr.Sweep(); n > 0 {
					slog.Debug("swept expired wizard sessions", "count", n)
				}
				if n := orch.SweepStale(); n > 0 {
					slog.Debug("evicted stale job records", "count", n)
				}
			}
		}
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		stopJanitor()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if active := orch.ActiveCount(); active > 0 {
			slog.Info("waiting for jobs to finish", "active", active)
			if err := orch.WaitForJobs(shutdownCtx); err != nil {
				slog.Warn("jobs did not finish in time", "error", err)
			}
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			slog.Warn("orchestrator shutdown", "error", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
