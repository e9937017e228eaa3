package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"shopping-cart-service/config"
	"shopping-cart-service/internal/broker"
	"shopping-cart-service/internal/util"
	"shopping-cart-service/internal/worker"

	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting analytics service",
		zap.String("topic", cfg.Kafka.TopicCartEvent),
		zap.String("group", cfg.Kafka.ConsumerGroup))

	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCartEvent, cfg.Kafka.ConsumerGroup)
	analyticsWorker := worker.NewAnalyticsWorker(consumer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := analyticsWorker.Start(ctx); err != nil {
		logger.Error("Analytics worker error", zap.Error(err))
	}

	if err := analyticsWorker.Stop(); err != nil {
		logger.Warn("Error closing consumer", zap.Error(err))
	}
	logger.Info("Analytics service exited")
}
