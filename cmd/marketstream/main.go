package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/marketstream/internal/catalog"
	"github.com/Aidin1998/marketstream/internal/config"
	"github.com/Aidin1998/marketstream/internal/cooldown"
	"github.com/Aidin1998/marketstream/internal/database"
	"github.com/Aidin1998/marketstream/internal/server"
	"github.com/Aidin1998/marketstream/internal/sink"
	"github.com/Aidin1998/marketstream/internal/stream"
	"github.com/Aidin1998/marketstream/internal/upstream"
	"github.com/Aidin1998/marketstream/internal/ws"
	"github.com/Aidin1998/marketstream/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	hub := ws.NewHub(zapLogger)

	connect := func() (upstream.Connector, error) {
		return upstream.New(upstream.Config{
			Provider: cfg.Upstream.Provider,
			BaseURL:  cfg.Upstream.BaseURL,
			Timeout:  cfg.Upstream.Timeout,
		})
	}

	streamCfg := stream.Config{
		Route:           cfg.Stream.Route,
		PollInterval:    cfg.Stream.PollInterval,
		FlushInterval:   cfg.Stream.FlushInterval,
		RetryAttempts:   cfg.Stream.RetryAttempts,
		RetryDelay:      cfg.Stream.RetryDelay,
		ErrorBackoff:    cfg.Stream.ErrorBackoff,
		CooldownRecheck: cfg.Stream.CooldownRecheck,
	}

	var opts []stream.Option
	var kafkaSink *sink.KafkaSink
	if cfg.Kafka.Enabled {
		kafkaSink = sink.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, zapLogger)
		opts = append(opts, stream.WithSink(kafkaSink))
		zapLogger.Info("Kafka broadcast mirror enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}

	svc := stream.NewService(
		streamCfg,
		zapLogger,
		hub,
		catalog.New(db, zapLogger),
		cooldown.NewRedisStore(redisClient),
		connect,
		opts...,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	hub.Handle(svc.Route(), svc.HandleMessage)

	srv := server.New(cfg.Server, zapLogger, hub, svc.Route(), db, redisClient)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		zapLogger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			zapLogger.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	svc.Stop()
	hub.Shutdown()
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			zapLogger.Warn("Kafka sink close failed", zap.Error(err))
		}
	}
}
