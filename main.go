package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"logdeck/adb"
	"logdeck/api"
	"logdeck/backend"
	"logdeck/config"
	"logdeck/ios"
	"logdeck/service"
)

// setupLogging writes structured logs to the console and a timestamped file
// under the configured log directory.
func setupLogging(logDir string) (zerolog.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("create log directory: %w", err)
	}
	logPath := filepath.Join(logDir, time.Now().Format("2006-01-02_15-04-05")+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("open log file: %w", err)
	}

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
	logger := zerolog.New(zerolog.MultiLevelWriter(console, logFile)).With().Timestamp().Logger()
	logger.Info().Str("path", logPath).Msg("logging to file")
	return logger, logFile, nil
}

func main() {
	configPath := flag.String("config", "logdeck.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirs(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, logFile, err := setupLogging(cfg.LogDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer logFile.Close()

	logger.Info().Msg("starting device-session orchestrator")

	db, err := config.OpenDatabase(cfg.DatabasePath)
	if err != nil {
		// The directory scan still works without the index.
		logger.Warn().Err(err).Msg("session index unavailable")
		db = nil
	} else {
		defer db.Close()
	}

	registry := backend.NewRegistry()
	registry.Register(adb.New(cfg.ADBPath))
	registry.Register(ios.New(cfg.IOSToolPrefix))

	gate := service.NewTransportGate()
	dispatcher := service.NewDispatcher()
	supervisor := service.NewProcessSupervisor(logger)
	store := service.NewSessionStore(cfg.SessionsRoot, db, logger)
	manager := service.NewSessionManager(cfg, registry, gate, supervisor, store, dispatcher, logger)
	monitor := service.NewDeviceMonitor(registry, gate, dispatcher, cfg.CommandTimeout, logger)

	autoCapture := service.NewAutoCapture(manager, cfg.AutoCapture, logger)
	dispatcher.SubscribeDevices(autoCapture)

	wsHub := api.NewWebSocketHub(logger)
	go wsHub.Run()
	bridge := api.NewEventBridge(wsHub)
	dispatcher.SubscribeDevices(bridge)
	dispatcher.SubscribeLogs(bridge)

	monitor.StartMonitoring(cfg.PollInterval)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handlers := &api.Handlers{
		Monitor:     monitor,
		Manager:     manager,
		AutoCapture: autoCapture,
		Registry:    registry,
		Gate:        gate,
		Store:       store,
		Timeout:     cfg.CommandTimeout,
	}
	api.SetupRoutes(router, handlers, wsHub)

	// Shutdown: stop discovery, stop captures cleanly, then sweep any
	// process that survived. No helper outlives this parent.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		monitor.StopMonitoring()
		manager.StopAllCaptures()
		supervisor.KillAllTracked()
		if db != nil {
			db.Close()
		}
		os.Exit(0)
	}()

	logger.Info().Str("addr", cfg.HTTPAddr).Msg("server listening")
	if err := router.Run(cfg.HTTPAddr); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}
