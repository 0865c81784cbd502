package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lanmeet/lanmeet/internal/config"
	"github.com/lanmeet/lanmeet/internal/control"
	"github.com/lanmeet/lanmeet/internal/discovery"
	"github.com/lanmeet/lanmeet/internal/media"
	"github.com/lanmeet/lanmeet/internal/metrics"
	"github.com/lanmeet/lanmeet/internal/monitor"
	"github.com/lanmeet/lanmeet/internal/registry"
	"github.com/lanmeet/lanmeet/internal/screen"
	"github.com/lanmeet/lanmeet/internal/transfer"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting lanmeet",
		"control_port", cfg.ControlPort,
		"file_port", cfg.FilePort,
		"screen_port", cfg.ScreenPort,
		"video_port", cfg.VideoPort,
		"audio_port", cfg.AudioPort,
		"storage", cfg.StorageDir,
	)

	startTime := time.Now()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	reg := registry.New(logger)
	go reg.Run(appCtx)

	controlSrv := control.NewServer(cfg, reg)
	if err := controlSrv.Start(appCtx); err != nil {
		slog.Error("failed to start control server", "error", err)
		os.Exit(1)
	}

	transferSrv, err := transfer.NewServer(cfg, reg, controlSrv.Router())
	if err != nil {
		slog.Error("failed to create file server", "error", err)
		os.Exit(1)
	}
	if err := transferSrv.Start(appCtx); err != nil {
		slog.Error("failed to start file server", "error", err)
		os.Exit(1)
	}

	screenSrv := screen.NewServer(cfg)
	if err := screenSrv.Start(appCtx); err != nil {
		slog.Error("failed to start screen server", "error", err)
		os.Exit(1)
	}

	videoRouter := media.NewVideoRouter(cfg, reg)
	if err := videoRouter.Start(appCtx); err != nil {
		slog.Error("failed to start video router", "error", err)
		os.Exit(1)
	}

	audioMixer := media.NewAudioMixer(cfg, reg)
	if err := audioMixer.Start(appCtx); err != nil {
		slog.Error("failed to start audio mixer", "error", err)
		os.Exit(1)
	}

	var beacon *discovery.Beacon
	if !cfg.NoDiscovery {
		beacon = discovery.NewBeacon(cfg)
		if err := beacon.Start(appCtx); err != nil {
			// Discovery is best effort; clients can still connect directly.
			slog.Warn("discovery beacon disabled", "error", err)
			beacon = nil
		}
	}

	var monitorSrv *monitor.Server
	if !cfg.NoMonitor {
		collector := metrics.NewCollector(reg, videoRouter, audioMixer, transferSrv, screenSrv, startTime)
		monitorSrv = monitor.NewServer(cfg, reg, collector)
		if err := monitorSrv.Start(appCtx); err != nil {
			slog.Error("failed to start monitor gateway", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("lanmeet ready")

	// Wait for interrupt.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("received shutdown signal", "signal", sig.String())

	// Stop ingress first, then media fan-out, then the registry so members
	// get their disconnect notices last.
	if monitorSrv != nil {
		monitorSrv.Stop()
	}
	if beacon != nil {
		beacon.Stop()
	}
	screenSrv.Stop()
	audioMixer.Stop()
	videoRouter.Stop()
	transferSrv.Stop()
	controlSrv.Stop()
	reg.Stop()

	slog.Info("lanmeet stopped")
}
