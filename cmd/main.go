package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"annopipe/internal/api"
	"annopipe/internal/bundle"
	"annopipe/internal/config"
	fileutil "annopipe/internal/file"
	"annopipe/internal/fleet"
	"annopipe/internal/remote"
	"annopipe/internal/store"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("ensure data dir")
	}

	fleetStore, err := store.New(cfg.DBFile)
	if err != nil {
		log.Fatal().Err(err).Str("db", cfg.DBFile).Msg("open store")
	}
	defer fleetStore.Close()

	taskFleet := buildFleet(cfg, fleetStore)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	taskFleet.SetBaseContext(baseCtx)

	if err := taskFleet.LoadFromStore(baseCtx); err != nil {
		log.Fatal().Err(err).Msg("load fleet from store")
	}

	router := setupRouter()
	bundles := bundle.NewBuilder(nil, "")
	api.NewAPI(taskFleet, bundles, cfg.DataDir).RegisterRoutes(router)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()
	gracefulShutdown(srv, baseCancel, taskFleet, shutdownTimeout)
}

func setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(api.RequestLogger())
	return r
}

func buildFleet(cfg config.Config, fleetStore *store.Store) *fleet.Fleet {
	executor := remote.NewHTTPExecutor(cfg.Endpoints)
	return fleet.New(fleet.Options{
		MaxRunningTasks:   cfg.MaxRunningTasks,
		Pipeline:          cfg.Pipeline,
		AllowedExtensions: cfg.AllowedExtensions,
	}, executor, fleetStore)
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, f *fleet.Fleet, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	f.StopFleet()
	cancelBase()
	if !f.WaitAll(ctx) {
		log.Warn().Msg("in-flight stages did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
