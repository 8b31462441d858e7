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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/retailingest/internal/auth"
	"github.com/rpattn/retailingest/internal/blob"
	"github.com/rpattn/retailingest/internal/broadcast"
	"github.com/rpattn/retailingest/internal/config"
	"github.com/rpattn/retailingest/internal/db"
	"github.com/rpattn/retailingest/internal/events"
	"github.com/rpattn/retailingest/internal/ingestion"
	"github.com/rpattn/retailingest/internal/metrics"
	"github.com/rpattn/retailingest/internal/middleware"
	"github.com/rpattn/retailingest/internal/repository"
	"github.com/rpattn/retailingest/internal/telemetry"
)

const tokenTTL = 24 * time.Hour

var skipMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion HTTP server",
	Long: `Start the HTTP server.

Routes:
  POST   /upload                  upload a CSV or XLSX sales file
  GET    /upload/history          list the tenant's ingestion records
  DELETE /upload/history[/{id}]   purge one or all records
  GET    /upload/status/{id}      fetch one record
  GET    /ws/progress             live progress events (websocket)
  GET    /metrics                 Prometheus metrics
  GET    /healthz                 liveness`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Do not apply database migrations on startup")
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Telemetry.Insecure,
		SamplingRatio:  cfg.Telemetry.SamplingRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("[telemetry] shutdown failed: %v", err)
		}
	}()

	if !skipMigrations {
		if err := db.RunMigrations(cfg.Database); err != nil {
			return err
		}
	}

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()

	blobs, err := openBlobStore(ctx, cfg.Blob)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ingestionMetrics := metrics.New(cfg.Telemetry.ServiceName, registry)

	hub := broadcast.NewHub(broadcast.WithDropHook(ingestionMetrics.EventDropped))
	defer hub.Close()

	group, groupCtx := errgroup.WithContext(ctx)

	var publisher ingestion.EventPublisher = hub
	if cfg.Redis.Addr != "" {
		client, err := broadcast.NewRedisClient(ctx, broadcast.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		relay := broadcast.NewRedisRelay(client, cfg.Redis.Channel, hub)
		group.Go(func() error {
			return relay.Run(groupCtx)
		})
		publisher = relay
	}

	launcher, err := newLauncher(cfg, conn, blobs)
	if err != nil {
		return err
	}

	opts := []ingestion.Option{
		ingestion.WithRunTimeout(cfg.Ingestion.Timeout),
		ingestion.WithHeartbeatInterval(cfg.Ingestion.HeartbeatInterval),
		ingestion.WithMaxConcurrent(cfg.Ingestion.MaxConcurrent),
		ingestion.WithMaxPerTenant(cfg.Ingestion.MaxPerTenant),
		ingestion.WithMetrics(ingestionMetrics),
		ingestion.WithBlobPrefix(cfg.Blob.Prefix),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		notifier, err := events.NewKafkaNotifier(events.KafkaConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Telemetry.ServiceName,
		})
		if err != nil {
			return err
		}
		defer notifier.Close()
		opts = append(opts, ingestion.WithNotifier(notifier))
	}

	records := repository.NewIngestionRecordRepository(conn.Pool)
	orchestrator := ingestion.NewOrchestrator(records, blobs, launcher, publisher, opts...)
	if _, err := orchestrator.Reconcile(ctx); err != nil {
		log.Printf("[ingestion] reconcile failed: %v", err)
	}
	group.Go(func() error {
		return orchestrator.Maintain(groupCtx)
	})

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, tokenTTL)
	uploads := auth.Middleware(tokens)(ingestion.NewHTTPHandler(orchestrator, cfg.Server.MaxUploadBytes))

	mux := http.NewServeMux()
	mux.Handle("/upload", uploads)
	mux.Handle("/upload/", uploads)
	mux.Handle("GET /ws/progress", broadcast.NewWSHandler(hub, tokens, cfg.Server.AllowedOrigins))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := conn.Pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      middleware.LoggingMiddleware(corsHandler.Handler(mux)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	group.Go(func() error {
		log.Printf("Starting ingestion server on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Upload requests may be waiting on runs, so both drain together.
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			if err := orchestrator.Shutdown(shutdownCtx); err != nil {
				log.Printf("[ingestion] uploads interrupted by shutdown: %v", err)
			}
		}()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server forced to shutdown: %v", err)
		}
		<-drained
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	log.Println("Server exited")
	return nil
}

// newLauncher picks in-process or subprocess isolation for ingestion runs.
func newLauncher(cfg config.Config, conn *db.Connection, blobs blob.Store) (ingestion.Launcher, error) {
	if cfg.Ingestion.Isolation != "process" {
		return ingestion.NewGoroutineLauncher(newEngine(cfg, conn, blobs)), nil
	}

	binary := cfg.Ingestion.WorkerBinary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate worker binary: %w", err)
		}
		binary = self
	}
	log.Printf("[worker] running uploads in subprocesses of %s", binary)
	return ingestion.NewProcessLauncher(binary, workerCommand, "--config", configDir), nil
}
