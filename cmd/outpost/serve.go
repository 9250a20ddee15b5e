package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecgard/outpost/internal/agent"
	"github.com/alecgard/outpost/internal/api"
	"github.com/alecgard/outpost/internal/audit"
	"github.com/alecgard/outpost/internal/auth"
	"github.com/alecgard/outpost/internal/config"
	"github.com/alecgard/outpost/internal/dispatch"
	"github.com/alecgard/outpost/internal/job"
	"github.com/alecgard/outpost/internal/metrics"
	"github.com/alecgard/outpost/internal/ratelimit"
	"github.com/alecgard/outpost/internal/signature"
	"github.com/alecgard/outpost/internal/sweeper"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Outpost server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()
	slog.Info("storage ready", "driver", cfg.Storage.Driver)

	m := metrics.New()
	if b.pool != nil {
		pool := b.pool
		m.RegisterPoolCollector(func() metrics.PoolStats {
			s := pool.Stat()
			return metrics.PoolStats{
				Total:         s.TotalConns(),
				Idle:          s.IdleConns(),
				Acquired:      s.AcquiredConns(),
				Max:           s.MaxConns(),
				Acquires:      s.AcquireCount(),
				EmptyAcquires: s.EmptyAcquireCount(),
				AcquireWait:   s.AcquireDuration(),
			}
		})
	}

	svc, err := newServices(cfg, b, m)
	if err != nil {
		return err
	}

	janitor := signature.NewJanitor(b.signatures, cfg.Auth.CleanupInterval, cfg.Auth.SignatureRetention).WithMetrics(m)
	guard := auth.NewGuard(agent.NewAuthAdapter(b.agents, svc.sealer), b.signatures, janitor, cfg.Auth.MaxClockSkew)

	collector := audit.NewCollector(b.events, cfg.Audit.BatchSize, cfg.Audit.FlushInterval, m)
	go collector.Start(ctx)
	guard.OnFailure(collector.RecordFailure)
	guard.OnFailure(func(f auth.Failure) { m.IncAuthFailure(string(f.Code)) })

	var runner *sweeper.Runner
	if cfg.Sweeper.Enabled {
		runner = sweeper.NewRunner(svc.tasks(cfg, b)...).WithClaimer(b.signatures)
		runner.Start(ctx)
	}

	router := api.NewRouter(api.RouterDeps{
		Enrollment:     svc.enrollment,
		Guard:          guard,
		Dispatch:       dispatch.NewService(b.jobs, b.agents, cfg.Jobs.BatchSize, m),
		Jobs:           job.NewService(b.jobs),
		Agents:         b.agents,
		Reports:        b.reports,
		Events:         b.events,
		Features:       b.features,
		Reclaimer:      svc.reclaimer,
		Scheduler:      svc.scheduler,
		KeyPurger:      svc.keyPurger,
		OfflineMarker:  svc.offline,
		Limiter:        b.limiter,
		Policies:       ratelimit.PoliciesFromConfig(cfg.RateLimits),
		Metrics:        m,
		DB:             b.pinger(),
		AdminKey:       cfg.Auth.AdminKey,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		TrustProxy:     cfg.Server.TrustProxy,
		MaxRequestSize: cfg.Server.MaxRequestSize,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)
	if runner != nil {
		runner.Stop()
	}
	collector.Stop()
	janitor.Wait()
	return err
}
