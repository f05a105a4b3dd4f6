// Package admin serves the HTTP control surface for a running scheduler.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/intentflow/internal/dispatch"
	"github.com/danmuck/intentflow/internal/intent"
	"github.com/danmuck/intentflow/internal/observability"
	"github.com/danmuck/intentflow/internal/progress"
	"github.com/danmuck/intentflow/internal/store"
	"github.com/danmuck/intentflow/internal/supervisor"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	serviceName     = "intentctl"
	version         = "0.1.0"
	shutdownTimeout = 5 * time.Second
)

// Backend is the scheduler surface the admin routes read and write.
type Backend interface {
	Dispatch(in intent.Intent) error
	State() store.State
	Inflight() map[string][]dispatch.Info
	Streams() []supervisor.StreamInfo
}

type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

type Server struct {
	addr    string
	backend Backend
	router  *gin.Engine
	started time.Time
	logger  zerolog.Logger
}

type intentRequest struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

func New(addr string, corsOrigins []string, backend Backend, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		backend: backend,
		started: time.Now(),
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(s.logger))
	r.Use(observability.RequestMetricsMiddleware(serviceName))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.router = r
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": serviceName,
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/progress", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"progress": s.backend.State().Progress})
	})

	s.router.GET("/progress/:kind", func(c *gin.Context) {
		kind := c.Param("kind")
		p := progress.Read(s.backend.State().Progress, kind)
		if p == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown operation kind", "kind": kind})
			return
		}
		c.JSON(http.StatusOK, gin.H{"kind": kind, "progress": p})
	})

	s.router.POST("/intents", func(c *gin.Context) {
		var req intentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		in := intent.New(req.Kind, req.Payload)
		if err := s.backend.Dispatch(in); err != nil {
			status := http.StatusUnprocessableEntity
			if errors.Is(err, intent.ErrInvalidEvent) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "kind": in.Kind})
	})

	s.router.GET("/inflight", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"tasks":   s.backend.Inflight(),
			"streams": s.backend.Streams(),
		})
	})
}

// Run serves until ctx is canceled, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("admin server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info().Msg("admin server stopped")
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
