package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"partyquiz/config"
	"partyquiz/handlers"
	"partyquiz/middleware"
	"partyquiz/routes"
	"partyquiz/services"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := config.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := config.InitDB(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to access database handle")
	}
	defer sqlDB.Close()

	repo := services.NewGameRepository(db)
	if err := repo.Migrate(); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	redisClient, err := config.InitRedis(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()

	storeOpts := services.DefaultStoreOptions()
	storeOpts.RoomTTL = cfg.Game.RoomTTL
	storeOpts.FinishedGrace = cfg.Game.FinishedGrace

	roomOpts := services.DefaultRoomOptions()
	roomOpts.DefaultTTL = cfg.Game.RoomTTL
	roomOpts.MaxTTL = cfg.Game.MaxRoomTTL

	hubOpts := services.DefaultHubOptions()
	hubOpts.AutoAdvanceDelay = cfg.Game.AutoAdvanceDelay
	hubOpts.RateLimit = rate.Limit(cfg.Game.RateLimit)
	hubOpts.RateBurst = cfg.Game.RateBurst

	lifecycle := services.NewLifecycle(services.ScoringConfig{
		BasePoints: cfg.Game.BasePoints,
		MaxBonus:   cfg.Game.MaxBonus,
	})
	store := services.NewRedisRoomStore(redisClient, storeOpts, logger)
	registry := services.NewRedisPinRegistry(redisClient, 0, logger)
	broker := services.NewRedisBroker(redisClient, logger)
	verifier := services.NewJWTVerifier(cfg.JWTSecret)

	gameService := services.NewGameService(lifecycle, store, registry, repo, roomOpts, logger)
	hub := services.NewHub(services.HubDeps{
		Lifecycle: lifecycle,
		Store:     store,
		Registry:  registry,
		Games:     repo,
		Results:   repo,
		Broker:    broker,
	}, hubOpts, logger)
	defer hub.Shutdown()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	routes.SetupRoutes(router, routes.Deps{
		GameHandler:    handlers.NewGameHandler(gameService, logger),
		Hub:            hub,
		Verifier:       verifier,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := hub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logger.Info().Msg("shutting down")
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
	}
}
