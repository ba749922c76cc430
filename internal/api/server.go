// Package api exposes the runtime registry and analytics over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/xaenox/bot-factory/internal/models"
	"github.com/xaenox/bot-factory/internal/platform"
	"github.com/xaenox/bot-factory/internal/registry"
	"go.uber.org/zap"
)

// Runtime is the part of the registry the API drives.
type Runtime interface {
	Launch(ctx context.Context, botID string) (registry.StartOutcome, error)
	Stop(ctx context.Context, botID string) registry.StopOutcome
	IsRunning(botID string) bool
	Running() []string
	Broadcast(ctx context.Context, botID, text string, targets []string) (*registry.BroadcastReport, error)
}

type Analytics interface {
	Get(ctx context.Context, botID string, day time.Time) (*models.DailyAnalytics, error)
}

type Config struct {
	AllowOrigins []string
}

func NewRouter(rt Runtime, stats Analytics, platforms platform.Set, cfg Config, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(logger), gin.Recovery())

	if len(cfg.AllowOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.AllowOrigins,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	bots := r.Group("/bots")
	bots.GET("", ListRunning(rt))
	bots.GET("/:id/status", BotStatus(rt))
	bots.POST("/:id/start", StartBot(rt))
	bots.POST("/:id/stop", StopBot(rt))
	bots.POST("/:id/broadcast", Broadcast(rt))
	bots.GET("/:id/analytics", DailyAnalytics(stats))

	r.POST("/webhooks/:platform", Webhook(platforms, logger))
	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Server wraps http.Server with context-driven shutdown.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

func NewServer(addr string, handler http.Handler, logger *zap.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
