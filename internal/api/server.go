// Package api serves the interaction webhook and operational endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pairbot/internal/config"
	"pairbot/internal/logging"
	"pairbot/internal/models"
	"pairbot/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type InteractionHandler interface {
	Handle(ctx context.Context, in models.Interaction) models.Reply
}

type SignatureVerifier interface {
	Verify(signatureHex, timestamp string, body []byte) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type StatsSource interface {
	Stats() []scheduler.JobStats
	Healthy() bool
}

type Deps struct {
	Interactions InteractionHandler
	Verifier     SignatureVerifier
	Store        Pinger
	Scheduler    StatsSource
}

// Server exposes the Discord interaction webhook, /healthz and /metrics.
type Server struct {
	deps    Deps
	engine  *gin.Engine
	server  *http.Server
	limiter *rateLimiter
	logger  *zerolog.Logger
}

func NewServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		deps:    deps,
		engine:  gin.New(),
		limiter: newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		logger:  logging.Component(logger, "api"),
	}

	s.engine.Use(gin.Recovery(), requestID(), accessLog(s.logger))
	s.engine.POST("/interactions", s.limiter.middleware(), s.handleInteraction)
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
