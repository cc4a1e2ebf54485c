package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthChecker is an interface for components that can report their health status.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Engine     *gin.Engine
	Addr       string
	shortStore HealthChecker
	longStore  HealthChecker
}

func New(addr string, shortStore, longStore HealthChecker, mode string) *Server {
	if mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	s := &Server{
		Engine:     r,
		Addr:       addr,
		shortStore: shortStore,
		longStore:  longStore,
	}

	// Health check endpoint verifying both database files are reachable
	r.GET("/health", s.healthHandler)

	return s
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	for name, store := range map[string]HealthChecker{
		"short_window": s.shortStore,
		"long_window":  s.longStore,
	} {
		if store == nil {
			continue
		}
		if err := store.Ping(ctx); err != nil {
			slog.Error("Health check failed: database unreachable", "database", name, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  name + " database unreachable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"databases": "connected",
	})
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr,
		Handler: s.Engine,
	}

	slog.Info("Starting HTTP Server...", "address", s.Addr)

	go func() {
		<-ctx.Done()
		slog.Info("Stopping HTTP Server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP Server forced to shutdown", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
