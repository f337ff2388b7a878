package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"traffic-control/internal/aggregator"
	"traffic-control/internal/config"
	"traffic-control/internal/db"
	"traffic-control/internal/decisionlog"
	"traffic-control/internal/events"
	"traffic-control/internal/greenwave"
	httphandler "traffic-control/internal/http"
	"traffic-control/internal/logger"
	"traffic-control/internal/optimizer"
	"traffic-control/internal/repository"
	"traffic-control/internal/service"
	"traffic-control/internal/storage"
	"traffic-control/internal/twin"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.Environment)

	// Database is optional: without it the decision log stays
	// in-memory only and reads are served from there.
	var database *gorm.DB
	var repo *repository.DecisionRepository
	if cfg.DB.DSN != "" {
		database, err = db.New(cfg, appLogger)
		if err != nil {
			appLogger.Fatal().Err(err).Msg("failed to connect database")
		}
		repo = repository.NewDecisionRepository(database)
	} else {
		appLogger.Warn().Msg("no database configured, decisions are kept in memory only")
	}

	var sinks []decisionlog.Sink
	if repo != nil {
		sinks = append(sinks, repo)
	}
	logbook := decisionlog.New(appLogger, sinks...)

	archiver, err := storage.NewArchiverFromEnv()
	if err != nil && !errors.Is(err, storage.ErrNotConfigured) {
		appLogger.Fatal().Err(err).Msg("failed to initialize archive storage")
	}
	if err != nil {
		appLogger.Warn().Msg("archive storage not configured, decision archival disabled")
	}

	correlator := events.NewCorrelator(cfg.Control.EventTTL, appLogger)
	lights := greenwave.NewDirectory()

	var store service.EventStore
	if repo != nil {
		store = repo
	}
	var archive service.Archiver
	if archiver != nil {
		archive = archiver
	}

	control := service.NewControlService(
		cfg,
		aggregator.New(appLogger),
		correlator,
		optimizer.NewRuleBased(cfg.Control),
		twin.NewSimulator(cfg.Twin),
		lights,
		logbook,
		store,
		archive,
		appLogger,
	)

	scheduler := greenwave.NewScheduler(cfg.GreenWave, lights, control, logbook, appLogger)
	control.AttachScheduler(scheduler)

	runCtx, stopRun := context.WithCancel(context.Background())
	go control.Run(runCtx)

	handler := httphandler.NewHandler(control, scheduler, correlator, lights, logbook, repo, cfg, appLogger)
	router := httphandler.NewRouter(handler, cfg.Environment, database, appLogger)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	appLogger.Info().Str("addr", addr).Msg("starting traffic control service")

	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error().Err(err).Msg("failed to start server")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info().Msg("shutting down server")
	stopRun()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error().Err(err).Msg("server forced to shutdown")
	}

	appLogger.Info().Msg("server exited")
}
