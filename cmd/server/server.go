// Package server implements the usbtrackd server command: the
// reconciliation loop plus the HTTP API, WebSocket stream and MCP
// endpoint on top of it.
package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/paularlott/cli"
	"github.com/robfig/cron/v3"

	"github.com/martinsuchenak/usbtrackd/internal/api"
	"github.com/martinsuchenak/usbtrackd/internal/config"
	"github.com/martinsuchenak/usbtrackd/internal/enrich"
	"github.com/martinsuchenak/usbtrackd/internal/inventory"
	"github.com/martinsuchenak/usbtrackd/internal/log"
	"github.com/martinsuchenak/usbtrackd/internal/mcp"
	"github.com/martinsuchenak/usbtrackd/internal/monitor"
	"github.com/martinsuchenak/usbtrackd/internal/storage"
	"github.com/martinsuchenak/usbtrackd/internal/update"
)

// Command returns the server subcommand.
func Command(version string) *cli.Command {
	return &cli.Command{
		Name:        "server",
		Usage:       "Start the usbtrackd server",
		Description: "Run the device monitor with HTTP API, WebSocket stream and MCP endpoint",
		Flags:       config.GetFlags(),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.Load(cmd)
			log.Info("Configuration loaded", "source", cfg.String(),
				"data_dir", cfg.DataDir, "listen_addr", cfg.ListenAddr)
			return run(ctx, cfg, version)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, version string) error {
	store, err := storage.NewFileLedgerStore(cfg.DataDir)
	if err != nil {
		log.Error("Failed to initialize ledger store", "error", err)
		return err
	}
	log.Info("Ledger store initialized", "path", cfg.DataDir)

	archive, err := storage.NewEventArchive(cfg.DataDir)
	if err != nil {
		log.Error("Failed to initialize event archive", "error", err)
		return err
	}
	defer archive.Close()

	state := monitor.NewState()

	mon := monitor.New(
		monitor.Config{PollInterval: cfg.PollInterval, EnrichGrace: cfg.EnrichGrace},
		inventory.NewSysfsSource(),
		enrich.NewDiskSource(),
		store,
		archive,
		state,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := mon.Run(runCtx); err != nil {
			log.Error("Monitor stopped", "error", err)
		}
	}()

	if cfg.UpdateCheck {
		checker := update.NewChecker(version)
		checkNow := func() {
			latest, err := checker.Check(runCtx)
			if err != nil {
				log.Debug("Update check failed", "error", err)
				return
			}
			state.SetUpdateAvailable(latest)
			if latest != "" {
				log.Info("Update available", "version", latest)
			}
		}

		scheduler := cron.New()
		if _, err := scheduler.AddFunc("@daily", checkNow); err != nil {
			log.Warn("Scheduling update check failed", "error", err)
		} else {
			scheduler.Start()
			defer scheduler.Stop()
		}
		go checkNow()
	}

	mux := http.NewServeMux()

	apiHandler := api.NewHandler(state, archive)
	apiHandler.RegisterRoutes(mux)

	mcpServer := mcp.NewServer(version, state, archive, cfg.MCPAuthToken)
	mux.HandleFunc("/mcp", mcpServer.GetHTTPHandler())

	var handler http.Handler = mux
	if cfg.IsAPIAuthEnabled() {
		handler = api.AuthMiddleware(cfg.APIAuthToken, handler)
	}
	handler = api.SecurityHeadersMiddleware(handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
		case <-runCtx.Done():
		}
		log.Info("Shutting down server...")
		cancel()
		server.Close()
	}()

	log.Info("Starting usbtrackd server", "addr", cfg.ListenAddr)
	log.Info("API available", "url", "http://localhost"+cfg.ListenAddr+"/api/")
	log.Info("MCP available", "url", "http://localhost"+cfg.ListenAddr+"/mcp")
	if cfg.IsAPIAuthEnabled() {
		log.Info("API authentication enabled")
	}
	if cfg.IsMCPAuthEnabled() {
		log.Info("MCP authentication enabled")
	}
	mcpServer.LogStartup()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("Server error", "error", err)
		return err
	}

	log.Info("Server stopped")
	return nil
}
