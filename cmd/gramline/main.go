package main

import (
	"log/slog"
	"os"

	"github.com/Solvire/gramline/internal/config"
	"github.com/Solvire/gramline/internal/server"
	"github.com/joho/godotenv"
)

func main() {
	// Optional: secrets may come from a .env file in development
	_ = godotenv.Load()

	envConfig := config.LoadEnv()
	cfg, err := config.Load(envConfig.ConfigPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	envConfig.Apply(cfg)

	if err := server.Start(cfg); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}
