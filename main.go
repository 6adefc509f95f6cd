package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"

	"mab-api/internal/api"
	"mab-api/internal/config"
	"mab-api/internal/db"
	"mab-api/internal/engine"
	"mab-api/internal/logger"
)

var version = "dev"

func main() {
	port := flag.Int("port", 0, "HTTP server port (overrides PORT env)")
	flag.Parse()

	logger.Banner(version)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("CONFIG", fmt.Sprintf("Bad configuration: %v", err))
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		logger.Error("DB", fmt.Sprintf("Failed to open database: %v", err))
		os.Exit(1)
	}
	defer database.Close()

	allocator := engine.NewAllocator(database, cfg, log)
	srv := api.NewServer(database, allocator, cfg, log, nil)

	logger.Info("ENGINE", fmt.Sprintf("Thompson sampling: %d draws, prior Beta(%g, %g), window %d..%d days",
		cfg.ThompsonSamples, cfg.PriorAlpha, cfg.PriorBeta, cfg.DefaultWindowDays, cfg.MaxWindowDays))
	logger.Server(cfg.Addr())

	if err := http.ListenAndServe(cfg.Addr(), srv.Handler()); err != nil {
		logger.Error("HTTP", fmt.Sprintf("Server stopped: %v", err))
		os.Exit(1)
	}
}
