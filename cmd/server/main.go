package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dicom-gateway/gateway/internal/cache"
	"github.com/dicom-gateway/gateway/internal/cacheindex"
	"github.com/dicom-gateway/gateway/internal/config"
	"github.com/dicom-gateway/gateway/internal/database"
	"github.com/dicom-gateway/gateway/internal/handlers"
	"github.com/dicom-gateway/gateway/internal/middleware"
	"github.com/dicom-gateway/gateway/internal/models"
	"github.com/dicom-gateway/gateway/internal/progress"
	"github.com/dicom-gateway/gateway/internal/query"
	"github.com/dicom-gateway/gateway/internal/repository"
	"github.com/dicom-gateway/gateway/internal/retention"
	"github.com/dicom-gateway/gateway/internal/retrieve"
	"github.com/dicom-gateway/gateway/internal/storagescp"
	"github.com/dicom-gateway/gateway/pkg/dimse"
	"github.com/dicom-gateway/gateway/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("Starting DICOM gateway")

	// Database (cache index + PACS node registry)
	dbConfig := database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		LogLevel: cfg.Database.LogLevel,

		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
	if err := database.Connect(dbConfig); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	// Query-result cache (Redis with in-memory fallback)
	var resultCache cache.Cache
	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	resultCache, err = cache.NewRedisCache(redisAddr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, falling back to in-memory query cache")
		resultCache = cache.NewMemoryCache()
	}

	// PACS node registry, seeded from configuration
	nodeRepo := repository.NewPACSRepository(database.DB)
	if err := nodeRepo.Seed(context.Background(), seedNodes(cfg)); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed PACS nodes")
	}

	// Cache store, progress bus, ingest bus
	store := cacheindex.New(database.DB, cfg.DICOMCache.Path, logger.Get())
	bus := progress.New()
	ingest := storagescp.NewIngestBus()

	// Storage-SCP
	scpHandler := storagescp.New(store, ingest, logger.Get())
	scpAddr := fmt.Sprintf("%s:%d", cfg.DICOMLocal.BindAddress, cfg.DICOMLocal.Port)
	scp, err := dimse.Listen(scpAddr, scpHandler, dimse.ServerConfig{
		AETitle: cfg.DICOMLocal.AETitle,
		Logger:  logger.Get(),
	})
	if err != nil {
		log.Fatal().Err(err).Str("addr", scpAddr).Msg("Failed to bind Storage-SCP")
	}
	go func() {
		if err := scp.Serve(); err != nil {
			log.Error().Err(err).Msg("Storage-SCP stopped")
		}
	}()
	log.Info().Str("ae_title", cfg.DICOMLocal.AETitle).Str("addr", scpAddr).Msg("Storage-SCP listening")

	// Services
	queryService := query.New(nodeRepo, resultCache, cfg.DICOMLocal.AETitle, logger.Get())
	transport := retrieve.NewTransport(cfg.DICOMLocal.AETitle, logger.Get())
	orchestrator := retrieve.New(nodeRepo, store, bus, ingest, transport, cfg.DICOMLocal.AETitle,
		models.RetrievePreferences{
			PreferCGet:      cfg.DICOMRetrieve.PreferCGet,
			FallbackToCMove: cfg.DICOMRetrieve.FallbackToCMove,
		}, logger.Get())

	// Retention/eviction sweeper
	sweeper := retention.New(store, retention.Config{
		RetentionDays: cfg.DICOMCache.RetentionDays,
		MaxBytes:      int64(cfg.DICOMCache.MaxSizeGB * 1024 * 1024 * 1024),
		AgeCron:       cfg.DICOMCache.CleanupCron,
		SizeCron:      cfg.DICOMCache.SizeCron,
	}, logger.Get())
	if err := sweeper.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start cache sweeper")
	}
	defer sweeper.Stop()

	// Handlers
	healthHandler := handlers.NewHealthHandler(resultCache, cfg.DICOMCache.Path, func() string {
		if scp == nil {
			return ""
		}
		return scp.Addr().String()
	})
	dicomwebHandler := handlers.NewDICOMWebHandler(queryService, store, orchestrator)
	retrieveHandler := handlers.NewRetrieveHandler(orchestrator, store)
	managementHandler := handlers.NewManagementHandler(nodeRepo, queryService, resultCache)
	progressHandler := handlers.NewProgressHandler(bus)

	// Router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// DICOMweb surface
	r.Route("/dicomweb", func(r chi.Router) {
		r.Get("/studies", dicomwebHandler.SearchStudies)
		r.Get("/studies/{studyUID}/metadata", dicomwebHandler.StudyMetadata)
		r.Get("/studies/{studyUID}/series", dicomwebHandler.SearchSeries)
		r.Get("/studies/{studyUID}/series/{seriesUID}/instances", dicomwebHandler.SearchInstances)
		r.Get("/studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}", dicomwebHandler.RetrieveInstance)
		r.Get("/studies/{studyUID}/series/{seriesUID}/pixeldata", dicomwebHandler.PixelData)
	})

	// Management + retrieve API
	r.Route("/api", func(r chi.Router) {
		r.Post("/retrieve/study/{studyUID}", retrieveHandler.RetrieveStudy)
		r.Delete("/retrieve/study/{studyUID}", retrieveHandler.CancelRetrieve)

		r.Get("/pacs", managementHandler.ListNodes)
		r.Post("/pacs", managementHandler.CreateNode)
		r.Get("/pacs/{name}", managementHandler.GetNode)
		r.Put("/pacs/{name}", managementHandler.UpdateNode)
		r.Delete("/pacs/{name}", managementHandler.DeleteNode)
		r.Post("/pacs/{name}/echo", managementHandler.TestConnection)
	})

	// WebSocket progress adapter
	r.Get("/ws/retrieve/{studyUID}", progressHandler.Subscribe)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	scp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
}

// seedNodes converts boot-time node configuration into registry records.
func seedNodes(cfg *config.Config) []models.PACSNode {
	nodes := make([]models.PACSNode, 0, len(cfg.PACSNodes))
	for _, n := range cfg.PACSNodes {
		nodes = append(nodes, models.PACSNode{
			Name:                 n.Name,
			AETitle:              n.AETitle,
			Hostname:             n.Hostname,
			Port:                 n.Port,
			ConnectTimeoutMs:     int(n.ConnectTimeout.Milliseconds()),
			ResponseTimeoutMs:    int(n.ResponseTimeout.Milliseconds()),
			AssociationTimeoutMs: int(n.AssociationTimeout.Milliseconds()),
			QueryRetrieveRoot:    models.QueryRetrieveRoot(n.QueryRetrieveRoot),
			IsDefault:            n.IsDefault,
		})
	}
	return nodes
}
