package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"labelrunner/internal/logging"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewEngine builds the gin engine with request logging and recovery.
func NewEngine(h *Handler, log *zap.Logger) *gin.Engine {
	if log == nil {
		log = logging.Get(logging.CategoryAPI)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	RegisterRoutes(engine.Group("/api"), h)
	return engine
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// Server runs the engine until its context ends.
type Server struct {
	srv *http.Server
	log *zap.Logger
}

// NewServer creates a Server listening on addr.
func NewServer(addr string, engine *gin.Engine, log *zap.Logger) *Server {
	if log == nil {
		log = logging.Get(logging.CategoryAPI)
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", zap.String("addr", s.srv.Addr))
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
