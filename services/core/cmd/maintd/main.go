package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"fleetmaint/pkg/blob"
	"fleetmaint/pkg/bus"
	"fleetmaint/pkg/db"
	"fleetmaint/pkg/secrets"
	"fleetmaint/pkg/telemetry"
	"fleetmaint/services/core"
	"fleetmaint/services/orchestrator"
)

func main() {
	if err := run("maintd"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}

	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	orm, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		return errors.New("NATS_URL is required")
	}
	eventBus, err := bus.New(natsURL)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer eventBus.Close()

	var backups *blob.Store
	if os.Getenv("S3_ENDPOINT") != "" {
		backups, err = blob.NewStoreFromEnv()
		if err != nil {
			return fmt.Errorf("init backup store: %w", err)
		}
	} else {
		logger.Printf("WARN backup store disabled: S3_ENDPOINT not set")
	}

	var sealer *secrets.Sealer
	if os.Getenv("AGE_PUBLIC_KEY") != "" || os.Getenv("AGE_SECRET_KEY") != "" {
		sealer, err = secrets.NewSealerFromEnv()
		if err != nil {
			return fmt.Errorf("init credential sealer: %w", err)
		}
	} else {
		logger.Printf("WARN credential sealing disabled: no age keys configured")
	}

	engine, err := orchestrator.NewEngine(orm, orchestrator.Options{
		Pool:    pool,
		Bus:     eventBus,
		Backups: backups,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer engine.Close()

	scheduler := orchestrator.NewScheduler(engine, schedulerInterval())
	go func() {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("ERROR scheduler stopped: %v", err)
		}
	}()

	apiLayer, err := core.New(&core.Store{
		DB:      pool,
		Engine:  engine,
		Bus:     eventBus,
		Backups: backups,
		Sealer:  sealer,
	}, core.Config{})
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}

	routes, err := apiLayer.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/readyz", readyHandler(pool, eventBus))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", routes)

	server := &http.Server{
		Addr:    listenAddr(),
		Handler: middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO listening on %s", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("ERROR server failed: %v", err)
		return err
	}

	return nil
}

func listenAddr() string {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		return v
	}
	return ":8080"
}

func schedulerInterval() time.Duration {
	v := os.Getenv("SCHEDULER_INTERVAL")
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func readyHandler(pool *pgxpool.Pool, eventBus *bus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), pool); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if conn := eventBus.Conn(); conn == nil || !conn.IsConnected() {
			http.Error(w, "event bus unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
