package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"siphon/internal/api"
	"siphon/internal/automation"
	"siphon/internal/config"
	"siphon/internal/delivery"
	"siphon/internal/download"
	"siphon/internal/fetch"
	"siphon/internal/logger"
	"siphon/internal/pipeline"
	"siphon/internal/scanner"
	"siphon/internal/session"
	"siphon/internal/solver"
	"siphon/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	log, fileLog, err := logger.New(cfg.DownloadDir, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		return 1
	}
	defer fileLog.Close()

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		log.Error("database init failed", "path", cfg.DBPath, "error", err)
		return 1
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !solver.NewClient(cfg.SolverURL, log).TestConnection(ctx) {
		log.Error("challenge solver unreachable", "url", cfg.SolverURL)
		return 1
	}

	sessions := session.NewManager(cfg.SolverURL, cfg.SessionTTL, log)
	defer sessions.Shutdown(context.Background())

	fetcher := fetch.NewFetcher(sessions, log)
	channelScanner := scanner.NewScanner(fetcher, log)

	engine := download.NewEngine(cfg.DownloadDir, store, fetcher, log)
	engine.SetSpeedLimit(int64(cfg.SpeedLimit))

	var uploader pipeline.Uploader
	if cfg.DeliveryEnabled() {
		uploader = delivery.NewUploader(cfg.TelegramToken, cfg.TelegramChatID, cfg.TelegramAPI, cfg.DownloadDir, store, log)
		log.Info("delivery enabled", "chat", cfg.TelegramChatID)
	} else {
		log.Info("delivery disabled, downloads are terminal")
	}

	orch := pipeline.NewOrchestrator(engine, uploader, cfg.DownloadWorkers, cfg.UploadWorkers, cfg.DownloadDir, log)
	orch.Start(ctx)

	if uploader != nil {
		pendingUploads, err := store.GetDownloadedNotUploaded()
		if err != nil {
			log.Warn("could not load pending uploads", "error", err)
		} else if len(pendingUploads) > 0 {
			log.Info("resuming pending uploads", "count", len(pendingUploads))
			orch.EnqueueUploads(pendingUploads)
		}
	}

	loop := automation.NewLoop(store, channelScanner, fetcher, orch, log)

	if cfg.APIPort > 0 {
		srv := api.NewServer(cfg.APIPort, store, orch, func(full bool) {
			go func() {
				if _, err := loop.RunCycle(ctx, true, full); err != nil {
					log.Error("requested scan failed", "error", err)
				}
			}()
		}, cfg.CheckInterval, log)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Automated {
		loop.Run(ctx)
	} else {
		// One-shot: scan every active channel once, then drain the pipeline.
		if _, err := loop.RunCycle(ctx, true, false); err != nil {
			log.Error("cycle failed", "error", err)
		}
		orch.ProcessBlocking(ctx, nil)
	}

	orch.Stop()
	if err := store.Checkpoint(); err != nil {
		log.Warn("wal checkpoint failed", "error", err)
	}
	log.Info("shutdown complete")
	return 0
}
