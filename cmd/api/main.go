package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jaspire/internal/infrastructure/postgres/listener"
	"jaspire/internal/interfaces/scheduler"
	"jaspire/internal/shared/config"
	"jaspire/internal/shared/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			Environment:  cfg.Telemetry.Environment,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			MetricsPort:  cfg.Telemetry.MetricsPort,
			SampleRatio:  cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(sctx); err != nil {
				log.Printf("Error shutting down telemetry: %v", err)
			}
		}()
	}

	deps, err := NewDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	sched, err := startScheduler(deps, cfg)
	if err != nil {
		return err
	}

	lst := startListener(ctx, deps, cfg, sched)

	handler := SetupRoutes(deps, cfg)
	srv, redirectSrv := StartServers(NewServerConfigFromConfig(handler, cfg))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stop()
	GracefulShutdown(srv, redirectSrv, sched, lst, 30*time.Second)
	return nil
}

// startScheduler runs the session expiry sweep and, when enabled, the daily
// account refresh batches.
func startScheduler(deps *Dependencies, cfg *config.Config) (*scheduler.Scheduler, error) {
	schedCfg := scheduler.Config{
		WorkerCount:   cfg.Scheduler.WorkerCount,
		JobDelay:      cfg.Scheduler.JobDelay,
		QueueSize:     cfg.Scheduler.QueueSize,
		SweepJob:      scheduler.NewSessionExpiryJob(deps.SessionManager),
		SweepInterval: cfg.Scheduler.SweepInterval,
	}
	if cfg.Scheduler.Enabled {
		schedCfg.ScheduleTimes = cfg.Scheduler.ScheduleTimes
		schedCfg.RunOnStartup = cfg.Scheduler.RunOnStartup
		schedCfg.BatchJobs = scheduler.RefreshJobs(deps.AccountService)
	} else {
		log.Println("Account refresh batches are disabled")
	}

	sched, err := scheduler.New(schedCfg)
	if err != nil {
		return nil, err
	}
	sched.Start()
	return sched, nil
}

// startListener refreshes a user's accounts as soon as one of their link
// sessions completes. Only the postgres session store emits notifications.
func startListener(ctx context.Context, deps *Dependencies, cfg *config.Config, sched *scheduler.Scheduler) *listener.SessionListener {
	if cfg.Store.Sessions != config.BackendPostgres {
		return nil
	}
	lst := listener.NewSessionListener(cfg.Database.ConnectionString(), func(ev listener.SessionCompleted) {
		job := scheduler.NewAccountRefreshJob(ev.UserID, deps.AccountService)
		if err := sched.Enqueue(job); err != nil {
			log.Printf("Session %s: failed to queue account refresh: %v", ev.SessionID, err)
		}
	})
	lst.Start(ctx)
	return lst
}
