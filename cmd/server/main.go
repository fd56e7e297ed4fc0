package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zfett/vpipe/internal/infrastructure/config"
	"github.com/zfett/vpipe/internal/infrastructure/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags override environment
	port := flag.String("port", cfg.Server.Port, "HTTP port")
	grpcPort := flag.String("grpc-port", cfg.Server.GRPCPort, "gRPC health port")
	profiles := flag.String("profiles", cfg.Pipeline.ProfileDir, "Pipeline profile directory")
	fps := flag.Int("fps", cfg.Pipeline.FrameRate, "Simulated frame rate")
	dev := flag.Bool("dev", cfg.Logging.Development, "Development mode (colored logs, debug level)")
	flag.Parse()

	cfg.Server.Port = *port
	cfg.Server.GRPCPort = *grpcPort
	cfg.Pipeline.ProfileDir = *profiles
	cfg.Pipeline.FrameRate = *fps
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}
