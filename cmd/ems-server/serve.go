package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hms/ems/internal/config"
	"github.com/hms/ems/internal/domain/ems"
	"github.com/hms/ems/internal/domain/patient"
	"github.com/hms/ems/internal/platform/auth"
	"github.com/hms/ems/internal/platform/db"
	"github.com/hms/ems/internal/platform/middleware"
	"github.com/hms/ems/internal/platform/routing"
	emsws "github.com/hms/ems/internal/platform/websocket"
)

const (
	shutdownTimeout = 10 * time.Second
	maxBodySize     = "1M"
)

type serveDeps struct {
	loadConfig      func() (*config.Config, error)
	connectPostgres func(context.Context, *config.Config) (*pgxpool.Pool, error)
	connectRedis    func(context.Context, string) (*redis.Client, error)
	notify          func(chan<- os.Signal, ...os.Signal)
	run             func(context.Context, *config.Config, *echo.Echo, <-chan os.Signal, ListenFunc) error
}

func defaultServeDeps() serveDeps {
	return serveDeps{
		loadConfig: config.Load,
		connectPostgres: func(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
			return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		},
		connectRedis: db.ConnectRedis,
		notify:       signal.Notify,
		run:          Run,
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the EMS API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(defaultServeDeps())
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer(deps serveDeps) error {
	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pool *pgxpool.Pool
	if cfg.Store == config.StorePostgres {
		pool, err = deps.connectPostgres(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
	}

	rdb, err := deps.connectRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if rdb != nil {
		defer rdb.Close()
		logger.Info().Msg("connected to redis")
	}

	e, err := newServer(ctx, cfg, pool, rdb, logger)
	if err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	logger.Info().Str("addr", ":"+cfg.Port).Str("store", cfg.Store).Msg("starting server")
	if err := deps.run(ctx, cfg, e, signals, nil); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer wires storage, the push hub, the domain services and the HTTP
// surface. pool is required for the postgres store; rdb is optional.
func newServer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client, logger zerolog.Logger) (*echo.Echo, error) {
	hub := emsws.NewHub(logger)

	var svc *ems.Service
	var patients *patient.Service
	switch cfg.Store {
	case config.StorePostgres:
		if pool == nil {
			return nil, errors.New("postgres store requires a database pool")
		}
		svc = ems.NewService(ems.NewTripRepoPG(pool), ems.NewVehicleRepoPG(pool), ems.NewTransactorPG(pool), hub, logger)
		patients = patient.NewService(patient.NewRepoPG(pool))
	case config.StoreMemory:
		store := ems.NewMemoryStore()
		svc = ems.NewService(store, store.Vehicles(), store, hub, logger)
		patients = patient.NewService(patient.NewMemoryRepository())
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
	svc.SetPatientDirectory(patientDirectory{patients})

	if rdb != nil {
		if err := hub.EnableRelay(ctx, rdb); err != nil {
			return nil, fmt.Errorf("enable push relay: %w", err)
		}
		svc.SetLocationCache(ems.NewRedisLocations(rdb))
	}

	if cfg.RoutingURL != "" {
		var hospital *ems.Coordinates
		if cfg.HospitalConfigured() {
			hospital = &ems.Coordinates{Latitude: cfg.HospitalLat, Longitude: cfg.HospitalLon}
		}
		svc.SetRouter(routing.NewClient(cfg.RoutingURL, cfg.RoutingTimeout), hospital)
		logger.Info().Str("url", cfg.RoutingURL).Bool("hospital", hospital != nil).Msg("routing enabled")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	authCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(authCfg))
	} else {
		e.Use(auth.JWTMiddleware(authCfg))
	}

	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}
	e.Use(middleware.BodyLimit(maxBodySize))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"store":   cfg.Store,
			"clients": hub.ClientCount(),
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	emsws.NewHandler(hub, []string{ems.TopicFleet, ems.TopicER}, cfg.CORSOrigins).RegisterRoutes(e.Group(""))

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		if cfg.RateLimitBurst > 0 {
			rateLimitCfg.BurstSize = cfg.RateLimitBurst
		}
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	ems.NewHandler(svc).RegisterRoutes(apiV1)
	patient.NewHandler(patients).RegisterRoutes(apiV1)

	return e, nil
}

// patientDirectory lets alert intake resolve patient IDs against the
// patient registry.
type patientDirectory struct {
	svc *patient.Service
}

func (d patientDirectory) LookupName(ctx context.Context, id string) (string, error) {
	name, err := d.svc.LookupName(ctx, id)
	if errors.Is(err, patient.ErrNotFound) {
		return "", ems.ErrNotFound
	}
	return name, err
}

// ListenFunc starts serving e on addr and blocks until it stops.
type ListenFunc func(e *echo.Echo, addr string) error

var defaultListen ListenFunc = func(e *echo.Echo, addr string) error {
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var shutdownFn = func(ctx context.Context, e *echo.Echo) error {
	return e.Shutdown(ctx)
}

// Run serves e until a signal arrives, ctx is cancelled or the listener
// fails, then shuts the server down gracefully.
func Run(ctx context.Context, cfg *config.Config, e *echo.Echo, signals <-chan os.Signal, listen ListenFunc) error {
	if listen == nil {
		listen = defaultListen
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(e, ":"+cfg.Port)
	}()

	select {
	case <-signals:
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdownFn(shutdownCtx, e); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
