package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/cors"
	"github.com/otcheredev/ris-dicom-store/internal/accessor"
	"github.com/otcheredev/ris-dicom-store/internal/adapters"
	"github.com/otcheredev/ris-dicom-store/internal/cache"
	"github.com/otcheredev/ris-dicom-store/internal/changes"
	"github.com/otcheredev/ris-dicom-store/internal/config"
	"github.com/otcheredev/ris-dicom-store/internal/database"
	"github.com/otcheredev/ris-dicom-store/internal/handlers"
	"github.com/otcheredev/ris-dicom-store/internal/index"
	"github.com/otcheredev/ris-dicom-store/internal/jobs"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/repository"
	"github.com/otcheredev/ris-dicom-store/internal/services"
	"github.com/otcheredev/ris-dicom-store/internal/storage"
	"github.com/otcheredev/ris-dicom-store/pkg/logger"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "YAML file declaring user metadata, content types and peers")
	upgrade := pflag.Bool("upgrade", false, "migrate an index written by an older schema version")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("Starting DICOM store")

	if err := cfg.RegisterUserTypes(); err != nil {
		log.Fatal().Err(err).Msg("Invalid user metadata or content types")
	}

	if err := run(cfg, *upgrade); err != nil {
		log.Error().Err(err).Msg("DICOM store stopped with an error")
		os.Exit(1)
	}
	log.Info().Msg("DICOM store stopped")
}

func run(cfg *config.Config, upgrade bool) error {
	// Connect to database
	if err := database.Connect(cfg.DatabaseOptions(upgrade)); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	area, err := storage.NewFilesystemArea(cfg.Storage.Dir, cfg.Storage.Fsync)
	if err != nil {
		return fmt.Errorf("failed to open storage area: %w", err)
	}

	storageCache, closeCache, err := newStorageCache(cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	files := accessor.New(area, storageCache)

	bus := changes.NewBus(cfg.Changes.QueueSize)
	changesLog := logger.Component("changes")
	bus.Register("log", changes.ListenerFunc(func(ctx context.Context, change models.Change) error {
		changesLog.Debug().
			Int64("seq", change.Seq).
			Str("change_type", change.ChangeType.String()).
			Str("resource_type", change.ResourceType.String()).
			Str("id", change.PublicID).
			Msg("Change")
		return nil
	}))

	idx := index.New(repository.NewIndexBackend(database.DB), files, bus, cfg.IndexOptions())
	store := services.NewInstanceService(idx, files, cfg.StoreOptions())

	registry, err := adapters.NewRegistry(cfg.Registry.Peers)
	if err != nil {
		return fmt.Errorf("invalid peers: %w", err)
	}
	defer registry.CloseAll()
	peers := services.NewPeerService(store, registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := jobs.NewEngine(idx, cfg.JobsOptions())
	engine.RegisterUnserializer(services.JobTypePeerStore, peers.Unserializer())
	if err := engine.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("Cannot restore jobs registry, starting empty")
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		DB:               database.DB,
		Store:            store,
		Jobs:             engine,
		Peers:            peers,
		ArchiveTempDir:   cfg.Archive.TempDir,
		CaseSensitivePN:  cfg.Index.CaseSensitivePN,
		LimitFindResults: cfg.Index.LimitFindResults,
		Metrics:          cfg.Metrics.Enabled,
		CORS: cors.Options{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			ExposedHeaders:   []string{"Content-Length", "Content-Type", "Content-Range", "ETag", "X-Find-Incomplete"},
			AllowCredentials: false,
			MaxAge:           300,
		},
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	// Shutdown drains the bus after the group exits
	bus.Start(context.WithoutCancel(gctx))
	g.Go(func() error {
		idx.RunStabilitySweeper(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		if err := engine.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Cannot save jobs registry")
		}
		return nil
	})

	err = g.Wait()
	// Listeners see every change committed before the server stopped
	bus.Shutdown(cfg.Changes.DrainTimeout)
	return err
}

// newStorageCache builds the attachment cache; nil when caching is disabled
func newStorageCache(cfg *config.Config) (*cache.StorageCache, func(), error) {
	if !cfg.Cache.Enabled {
		log.Info().Msg("Storage cache disabled")
		return nil, func() {}, nil
	}

	if cfg.Cache.Type == "redis" {
		redisCache, err := cache.NewRedisCache(cache.RedisOptions{
			Addr:      cfg.RedisAddr(),
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		log.Info().Str("addr", cfg.RedisAddr()).Msg("Redis cache initialized")
		return cache.NewStorageCache(redisCache, cfg.Cache.TTL, cfg.Cache.MaxItemSize), func() { redisCache.Close() }, nil
	}

	memoryCache := cache.NewMemoryCache(cfg.Cache.MaxBytes)
	log.Info().Int64("max_bytes", cfg.Cache.MaxBytes).Msg("Memory cache initialized")
	return cache.NewStorageCache(memoryCache, cfg.Cache.TTL, cfg.Cache.MaxItemSize), func() { memoryCache.Close() }, nil
}
