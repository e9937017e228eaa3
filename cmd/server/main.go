package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"shopping-cart-service/config"
	"shopping-cart-service/internal/api"
	"shopping-cart-service/internal/broker"
	"shopping-cart-service/internal/cart"
	"shopping-cart-service/internal/journal"
	"shopping-cart-service/internal/order"
	"shopping-cart-service/internal/projection"
	"shopping-cart-service/internal/redisclient"
	"shopping-cart-service/internal/service"
	"shopping-cart-service/internal/sharding"
	"shopping-cart-service/internal/store"
	"shopping-cart-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting shopping cart service", zap.String("node", cfg.Cluster.NodeID))

	tp, err := util.InitTracer("shopping-cart-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	tagger := journal.NewTagger(cfg.Projection.TagCount)

	db, err := store.NewStore(cfg.Database.Driver, cfg.Database.URL, tagger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database connected", zap.String("driver", db.Driver()))

	checks := map[string]api.CheckFunc{"database": db.Ping}

	var leases sharding.LeaseRegistry
	if cfg.Redis.Addr != "" {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		leases = redisClient
		checks["redis"] = redisClient.Ping
		logger.Info("Redis connected, cluster leases enabled")
	} else {
		leases = sharding.NewLocalRegistry()
		logger.Warn("REDIS_ADDR not set, running as a single node")
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCartEvent)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicCartEvent))

	entityOpts := cart.DefaultOptions()
	entityOpts.SnapshotEvery = cfg.Projection.SnapshotEvery
	entityOpts.SnapshotKeep = cfg.Projection.SnapshotKeep

	routerCfg := sharding.DefaultConfig(cfg.Cluster.NodeID)
	routerCfg.LeaseTTL = cfg.Cluster.LeaseTTL
	routerCfg.SweepInterval = cfg.Cluster.LeaseTTL / 3
	routerCfg.PassivateAfter = cfg.Cluster.PassivateAfter
	routerCfg.Entity = entityOpts

	router := sharding.NewRouter(routerCfg, db, leases, api.NewPeerClient(cfg.Cluster.NodeID, &http.Client{}))

	cartService := service.NewCartService(router, db, cfg.Cluster.AskTimeout)

	projections := service.NewProjectionGroup(service.ProjectionDeps{
		Tags:    tagger.Tags(),
		Source:  db,
		Offsets: db,
		Settings: projection.Settings{
			BatchSize:    cfg.Projection.BatchSize,
			PollInterval: cfg.Projection.PollInterval,
			MinBackoff:   cfg.Projection.MinBackoff,
			MaxBackoff:   cfg.Projection.MaxBackoff,
			Jitter:       cfg.Projection.Jitter,
		},
		Popularity: service.NewItemPopularityHandler(db),
		Publisher:  service.NewPublishEventsHandler(broker.NewEventPublisher(producer)),
		Orders: service.NewSendOrderHandler(router,
			order.NewClient(cfg.OrderService.URL, cfg.OrderService.Timeout), cfg.Cluster.AskTimeout),
		Lease:    leases,
		NodeID:   cfg.Cluster.NodeID,
		LeaseTTL: cfg.Cluster.LeaseTTL,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := router.Run(workerCtx); err != nil {
			logger.Error("Router error", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := projections.Run(workerCtx); err != nil {
			logger.Error("Projections error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	handler := api.NewHandler(cartService, db, checks)
	handler.SetupRoutes(engine)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: engine,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	wg.Wait()

	if err := router.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Carts did not stop in time", zap.Error(err))
	}

	logger.Info("Server exited")
}
