package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	libdb "ocpihub/backend/libs/db"
	libredis "ocpihub/backend/libs/redis"
	"ocpihub/backend/services/ocpi-service/internal/archive"
	"ocpihub/backend/services/ocpi-service/internal/auth"
	"ocpihub/backend/services/ocpi-service/internal/clients"
	"ocpihub/backend/services/ocpi-service/internal/commands"
	"ocpihub/backend/services/ocpi-service/internal/config"
	httpserver "ocpihub/backend/services/ocpi-service/internal/http"
	"ocpihub/backend/services/ocpi-service/internal/http/handlers"
	"ocpihub/backend/services/ocpi-service/internal/metrics"
	"ocpihub/backend/services/ocpi-service/internal/models"
	"ocpihub/backend/services/ocpi-service/internal/monitor"
	"ocpihub/backend/services/ocpi-service/internal/observer"
	redisstore "ocpihub/backend/services/ocpi-service/internal/redis"
	"ocpihub/backend/services/ocpi-service/internal/repository"
	"ocpihub/backend/services/ocpi-service/internal/service"
)

// App wires ocpi-service dependencies.
type App struct {
	server   *httpserver.Server
	handler  http.Handler
	manager  *commands.Manager
	hub      *monitor.Hub
	archiver *archive.Background

	db          *sqlx.DB
	redisClient *redis.Client
	logger      *zap.Logger
}

// New constructs the application graph.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}
	pingers := map[string]handlers.Pinger{}

	var store repository.Store = repository.NewMemoryStore()
	if cfg.Database.DSN != "" {
		sqlDB, err := libdb.NewPostgresDB(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		a.db = sqlDB
		pg := repository.NewPostgresStore(sqlDB)
		if err := pg.Migrate(ctx); err != nil {
			a.Close()
			return nil, err
		}
		store = pg
		pingers["postgres"] = handlers.PingFunc(sqlDB.PingContext)
	} else {
		logger.Warn("no database configured, resources are kept in memory")
	}

	var commandStore commands.Store = commands.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		client, err := libredis.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redisClient = client
		commandStore = redisstore.NewCommandStore(client, cfg.OCPI.CommandRetention)
		pingers["redis"] = handlers.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}

	httpClient := clients.NewDefaultHTTPClient(cfg.OCPI.UpstreamTimeout)
	a.manager = commands.NewManager(
		commandStore,
		clients.NewUpstreamForwarder(httpClient, cfg.OCPI.UpstreamToken),
		commands.Config{
			TTL:             cfg.OCPI.CommandTTL,
			Retention:       cfg.OCPI.CommandRetention,
			UpstreamTimeout: cfg.OCPI.UpstreamTimeout,
			GCInterval:      cfg.OCPI.CommandGCEvery,
		},
		logger.Named("commands"),
	)

	var dispatcher handlers.Dispatcher
	if cfg.OCPI.CPOCommandsURL != "" {
		dispatcher = clients.NewCPOCommandsClient(cfg.OCPI.CPOCommandsURL, cfg.OCPI.CPOToken, httpClient)
	}

	var cdrArchive archive.Archiver = archive.Noop{}
	if cfg.Archive.Enabled() {
		minioArchiver, err := archive.NewMinioArchiver(cfg.Archive)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := minioArchiver.EnsureBucket(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.archiver = archive.NewBackground(minioArchiver, cfg.OCPI.UpstreamTimeout, logger.Named("archive"))
		cdrArchive = a.archiver
	}

	var authenticator *auth.Authenticator
	{
		var tokens *auth.TokenService
		if cfg.JWT.Secret != "" {
			tokens = auth.NewTokenService(cfg.JWT.Secret, cfg.TokenTTL())
		}
		registry := auth.NewCredentialRegistry(auth.NewBcryptHasher(bcrypt.DefaultCost), cfg.Credentials)
		authenticator = auth.NewAuthenticator(tokens, registry)
	}

	a.hub = monitor.NewHub(cfg.Monitor.PingInterval, cfg.Monitor.WriteTimeout, logger.Named("monitor"))

	resources := service.NewResourceService(store, cfg.OCPI.AllowDowngrades, logger.Named("resources"))
	engine := service.NewAuthorizationEngine(store, nil, logger.Named("authorization"))
	baseURL := cfg.OCPI.BaseURL

	routes := httpserver.Routes{
		Locations: handlers.NewResourceHandler(resources, models.KindLocation, archive.Noop{}, baseURL, logger),
		Tariffs:   handlers.NewResourceHandler(resources, models.KindTariff, archive.Noop{}, baseURL, logger),
		Sessions:  handlers.NewResourceHandler(resources, models.KindSession, archive.Noop{}, baseURL, logger),
		CDRs:      handlers.NewResourceHandler(resources, models.KindCDR, cdrArchive, baseURL, logger),
		Tokens:    handlers.NewTokensHandler(resources, engine, baseURL, logger),
		Commands:  handlers.NewCommandsHandler(a.manager, dispatcher, baseURL, logger),
		Health:    handlers.NewHealthHandler(pingers),
		Metrics:   metrics.Handler(),
		Monitor:   a.hub,
	}

	a.handler = httpserver.NewRouter(routes, httpserver.RouterOptions{
		Authenticator:  authenticator,
		Observer:       observer.Multi{observer.NewLogObserver(logger.Named("http")), observer.MetricsObserver{}, a.hub},
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         logger,
	})
	a.server = httpserver.NewServer(cfg.HTTPAddress(), a.handler, logger)
	return a, nil
}

// Handler exposes the router, mostly for tests.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run starts the HTTP server together with the command sweeper and the monitor hub.
// It returns once all of them stopped and in-flight forwards are drained.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(gctx) })
	g.Go(func() error { return a.manager.RunGC(gctx) })
	g.Go(func() error { return a.hub.Run(gctx) })

	err := g.Wait()

	drained := make(chan struct{})
	go func() {
		a.manager.Wait()
		if a.archiver != nil {
			a.archiver.Wait()
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(10 * time.Second):
		a.logger.Warn("background work still running at shutdown")
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases resources.
func (a *App) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
