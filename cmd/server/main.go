package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-proc-requests/internal/client"
	"github.com/pesio-ai/be-proc-requests/internal/common/config"
	"github.com/pesio-ai/be-proc-requests/internal/common/database"
	"github.com/pesio-ai/be-proc-requests/internal/common/logger"
	"github.com/pesio-ai/be-proc-requests/internal/common/middleware"
	"github.com/pesio-ai/be-proc-requests/internal/handler"
	"github.com/pesio-ai/be-proc-requests/internal/repository"
	"github.com/pesio-ai/be-proc-requests/internal/service"
)

func main() {
	configPath := pflag.String("config", "", "path to a YAML/JSON/TOML config file")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Store.Driver).
		Msg("Starting Procurement Requests Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize store
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	var forms repository.FormRepository = store.Forms()
	if cfg.Redis.URL != "" {
		rdb, err := repository.NewRedisClient(ctx, cfg.Redis.URL)
		switch {
		case err == nil:
			defer rdb.Close()
			forms = repository.NewCachedFormRepository(forms, rdb, cfg.Redis.FormTTL, &log.Logger)
			log.Info().Msg("Form cache enabled")
		case cfg.Redis.Required:
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		default:
			log.Warn().Err(err).Msg("Redis unavailable, form cache disabled")
		}
	}

	// Initialize outbound clients
	var (
		notifier service.Notifier     = client.LoggingNotifier{Log: log.Named("notifier").Logger}
		issues   service.IssueTracker = client.LoggingIssueTracker{Log: log.Named("issues").Logger}
	)
	if cfg.NATS.URL != "" {
		nc, err := client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer drain(nc, log)
		notifier = client.NewNotificationPublisher(nc, cfg.NATS.SubjectPrefix, log.Logger)
		issues = client.NewIssueTrackerPublisher(nc, client.DefaultIssueSubject)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS publishers initialized")
	}

	var attachments service.AttachmentStore
	if cfg.MinIO.Endpoint != "" {
		mc, err := client.NewMinIOAttachmentStore(ctx, client.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize attachment store")
		}
		attachments = mc
		log.Info().Str("bucket", cfg.MinIO.Bucket).Msg("Attachment store initialized")
	}

	// Initialize services
	linkage := service.NewLinkageResolver(forms)
	workflow := service.NewWorkflowService(
		store, forms, service.NewDecoder(attachments), linkage, service.NewLedger(linkage),
		notifier, issues,
		service.WorkflowConfig{
			EnforceOrder: cfg.Approval.EnforceOrder,
			RedirectBase: cfg.Approval.RedirectBase,
		},
		log.Named("workflow"),
	)
	canvass := service.NewCanvassService(store, linkage)

	// Setup HTTP routes
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(&log.Logger))
	r.Use(middleware.Recovery(&log.Logger))
	r.Use(chimw.Timeout(cfg.Server.RequestTimeout))
	handler.NewHTTPHandler(workflow, canvass, log).Routes(r)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	healthServer := health.NewServer()
	healthServer.SetServingStatus(cfg.Service.Name, healthpb.HealthCheckResponse_SERVING)

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}

// openStore builds the configured persistence driver.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (repository.Store, error) {
	if cfg.Store.Driver == "memory" {
		store := repository.NewMemoryStore()
		if cfg.Store.Fixtures != "" {
			f, err := os.Open(cfg.Store.Fixtures)
			if err != nil {
				return nil, fmt.Errorf("open fixtures: %w", err)
			}
			defer f.Close()
			if err := store.LoadFixtures(f); err != nil {
				return nil, fmt.Errorf("load fixtures %s: %w", cfg.Store.Fixtures, err)
			}
		}
		log.Warn().Msg("Using in-memory store; data is lost on restart")
		return store, nil
	}

	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
		MaxRetries:  cfg.Database.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Msg("Database connection established")

	if cfg.Migrations.Apply {
		applied, err := db.ApplyMigrations(ctx, cfg.Migrations.Dir)
		if err != nil {
			db.Close()
			return nil, err
		}
		log.Info().Strs("applied", applied).Msg("Migrations applied")
	}
	return repository.NewPostgresStore(db), nil
}

func drain(nc *nats.Conn, log *logger.Logger) {
	if err := nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("NATS drain failed")
	}
}
