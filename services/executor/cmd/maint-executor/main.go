package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fleetmaint/services/executor"
)

func main() {
	configPath := flag.String("config", executor.ConfigPath, "path to executor configuration file")
	flag.Parse()

	logger := log.New(os.Stdout, "maint-executor: ", log.LstdFlags)

	svc, err := executor.NewService(*configPath)
	if err != nil {
		logger.Fatalf("failed to initialize service: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("service exited with error: %v", err)
	}
}
