package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/flashcard-pipeline/internal/config"
	"github.com/MimeLyc/flashcard-pipeline/internal/httpapi"
	"github.com/MimeLyc/flashcard-pipeline/internal/service"
	"github.com/MimeLyc/flashcard-pipeline/pkg/log"
)

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronEngine interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	level := log.ParseLevel(cfg.Log.Level)
	log.InitLogger(level)
	if cfg.Log.File != "" {
		fileLogger, err := log.NewFileLogger(cfg.Log.File, level)
		if err != nil {
			log.Fatal("Failed to open log file: %v", err)
		}
		defer fileLogger.Close()
		log.SetGlobal(fileLogger.Logger)
	}

	settingsPath := config.RuntimeSettingsFilePath(cfg)
	if saved, err := config.LoadRuntimeSettingsFile(settingsPath); err == nil {
		cfg.ApplyRuntimeSettings(saved)
		log.Info("Loaded runtime settings from %s", settingsPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn("Ignoring runtime settings file %s: %v", settingsPath, err)
	}

	settings, err := config.NewRuntimeSettingsStore(settingsPath, cfg.RuntimeSettings())
	if err != nil {
		log.Fatal("Invalid runtime settings: %v", err)
	}

	cronEngine := cron.New()
	pipeline, err := service.New(*cfg, cronEngine)
	if err != nil {
		log.Fatal("Failed to start pipeline: %v", err)
	}
	defer func() {
		if err := pipeline.Close(); err != nil {
			log.Error("Failed to close pipeline: %v", err)
		}
	}()
	pipeline.Start()

	srv := httpapi.NewServer(pipeline,
		httpapi.WithRuntimeSettingsStore(settings),
		httpapi.WithRuntimeSettingsApplier(pipeline.ApplyRuntimeSettings),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runWithComponents(ctx, cfg, pipeline, cronEngine, srv); err != nil {
		log.Error("Server stopped with error: %v", err)
	}
	_ = log.GetLogger().Sync()
}

// runWithComponents schedules the sweep, serves HTTP until ctx ends and then
// shuts both down.
func runWithComponents(ctx context.Context, cfg *config.Config, sched scheduler, engine cronEngine, srv httpServer) error {
	if err := sched.Schedule(ctx); err != nil {
		return err
	}
	engine.Start()
	defer func() {
		<-engine.Stop().Done()
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening on %s", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe(cfg.HTTP.Addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
