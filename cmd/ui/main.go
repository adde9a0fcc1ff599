package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spread-trade-bot-go/internal/config"
	"spread-trade-bot-go/internal/database"
	"spread-trade-bot-go/internal/logger"
)

func main() {
	var configDir string
	var port int

	cmd := &cobra.Command{
		Use:          "ui",
		Short:        "Serve the trade journal",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load configuration
			cfg, err := config.LoadConfig(configDir)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if port == 0 {
				port = cfg.Server.Port + 1
			}
			return serve(cfg, port)
		},
	}
	cmd.Flags().StringVarP(&configDir, "config", "c", "./configs", "directory containing config.yml")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default: server.port + 1)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(cfg config.Config, port int) error {
	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Connect to the database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	apiHandler := NewAPIHandler(log, db)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// API endpoints
	r.Get("/api/status", apiHandler.StatusHandler)
	r.Get("/api/trades", apiHandler.TradesHandler)
	r.Get("/api/statistics", apiHandler.StatisticsHandler)

	// Static file serving for CSS, JS, etc.
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir("web/static"))))

	// HTML template serving
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "web/templates/index.html")
	})

	addr := fmt.Sprintf(":%d", port)
	log.Info("Starting web server", zap.String("address", addr))

	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		log.Error("Web server failed", zap.Error(err))
		return err
	}
	return nil
}
