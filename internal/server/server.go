// Package server exposes the WebSocket endpoint, health and metrics over
// HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/marketstream/internal/config"
	"github.com/Aidin1998/marketstream/internal/ws"
)

// Server bundles the gin engine and its dependencies.
type Server struct {
	cfg    config.ServerConfig
	logger *zap.Logger
	hub    *ws.Hub
	route  string
	db     *gorm.DB
	redis  *redis.Client
	http   *http.Server
}

// New builds the HTTP server. route is the market-data broadcast route the
// WebSocket endpoint attaches clients to.
func New(cfg config.ServerConfig, logger *zap.Logger, hub *ws.Hub, route string, db *gorm.DB, redisClient *redis.Client) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		hub:    hub,
		route:  route,
		db:     db,
		redis:  redisClient,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(ginzap.Ginzap(logger, "2006-01-02T15:04:05Z07:00", true))
	engine.Use(ginzap.RecoveryWithZap(logger, true))
	engine.Use(cors.Default())

	engine.GET("/ws/market", s.serveMarketWS)
	engine.GET("/healthz", s.healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) serveMarketWS(c *gin.Context) {
	s.hub.ServeWS(c.Writer, c.Request, s.route)
}

func (s *Server) healthz(c *gin.Context) {
	status := http.StatusOK
	health := gin.H{"status": "ok"}

	if sqlDB, err := s.db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		health["database"] = "down"
		health["status"] = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		health["database"] = "up"
	}

	if err := s.redis.Ping(c.Request.Context()).Err(); err != nil {
		health["redis"] = "down"
		health["status"] = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		health["redis"] = "up"
	}

	c.JSON(status, health)
}

// Run starts serving; it blocks until the listener fails or Shutdown is
// called.
func (s *Server) Run() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
