package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ringops/ringway/internal/audit"
	"github.com/ringops/ringway/internal/auth"
	"github.com/ringops/ringway/internal/config"
	"github.com/ringops/ringway/internal/connector"
	"github.com/ringops/ringway/internal/dispatch"
	"github.com/ringops/ringway/internal/httpserver"
	"github.com/ringops/ringway/internal/rollback"
	"github.com/ringops/ringway/internal/scope"
	"github.com/ringops/ringway/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	policies, err := config.NewPolicyProvider(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("policy load: %v", err)
	}

	var (
		store     audit.Store
		pgStore   *audit.PGStore
		approvals scope.ApprovalStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		pgStore = audit.NewPGStore(db)
		store = pgStore
		approvals = scope.NewPGApprovals(db)
	} else {
		log.Printf("[startup] no database configured, using in-memory stores")
		store = audit.NewMemoryStore()
		approvals = scope.NewMemoryApprovals()
	}

	registry, err := buildRegistry(policies.Current())
	if err != nil {
		log.Fatalf("connector registry: %v", err)
	}

	policy := policies.Current()
	dispatcher := dispatch.New(registry, store, policy.Retry, policy.PerConnectorConcurrency, cfg.Actor)
	rollbacks := rollback.NewOrchestrator(dispatcher, store, rollback.Config{
		PollInterval:    policy.RollbackPollInterval,
		ReconcileWindow: policy.RollbackWindow,
		MaxRedispatches: policy.RollbackMaxRedispatches,
	}, cfg.Actor)

	svc := service.New(policies, store, approvals, dispatcher, rollbacks, cfg.Actor)
	server := httpserver.New(svc, auth.NewVerifier(cfg.AuthSecret), store)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := policies.Watch(ctx.Done()); err != nil {
		log.Printf("[startup] policy hot reload disabled: %v", err)
	}

	if pgStore != nil && cfg.KafkaBrokers != "" && cfg.KafkaTopic != "" {
		startStreamer(ctx, cfg, pgStore)
	}

	go func() {
		log.Printf("ringway listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
}

// buildRegistry instantiates the connectors declared in the policy bundle.
// Connector membership is fixed at startup; policy reloads only affect
// evaluation thresholds.
func buildRegistry(policy *config.Policy) (*connector.Registry, error) {
	registry := connector.NewRegistry()
	for _, cp := range policy.Connectors {
		var (
			conn connector.Connector
			err  error
		)
		switch cp.Type {
		case "rest":
			token := ""
			if cp.BearerTokenEnv != "" {
				token = os.Getenv(cp.BearerTokenEnv)
			}
			conn, err = connector.NewRESTConnector(connector.RESTConfig{
				Name:        cp.Name,
				BaseURL:     cp.BaseURL,
				BearerToken: token,
				Timeout:     time.Duration(cp.TimeoutSeconds) * time.Second,
			})
		case "memory":
			conn = connector.NewMemoryConnector(cp.Name, cp.Devices)
		}
		if err != nil {
			return nil, err
		}
		if err := registry.Add(conn); err != nil {
			return nil, err
		}
		log.Printf("[startup] connector %s (%s) registered", cp.Name, cp.Type)
	}
	return registry, nil
}

// startStreamer wires the durable governance pipeline: Postgres outbox to
// Kafka plus the S3 archive.
func startStreamer(ctx context.Context, cfg *config.Config, pgStore *audit.PGStore) {
	producer, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{
		Brokers: strings.Split(cfg.KafkaBrokers, ","),
		Topic:   cfg.KafkaTopic,
	})
	if err != nil {
		log.Fatalf("kafka producer: %v", err)
	}

	var archiver audit.Archiver
	if cfg.S3Bucket != "" {
		archiver, err = audit.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("s3 archiver: %v", err)
		}
	}

	streamer := audit.NewStreamer(pgStore, producer, archiver, audit.StreamerConfig{
		BatchSize:      cfg.StreamBatchSize,
		MaxConcurrency: cfg.StreamMaxConcurrency,
		PollInterval:   time.Duration(cfg.StreamPollSeconds) * time.Second,
	})
	go func() {
		// Run closes the producer on shutdown.
		if err := streamer.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("[startup] governance streamer stopped: %v", err)
		}
	}()
	log.Printf("[startup] governance streamer enabled (topic=%s)", cfg.KafkaTopic)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
