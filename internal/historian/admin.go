package historian

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/viewsctl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminRouter builds the read-only HTTP surface: health, metrics, and a
// JSON projection of the catalog and live sessions.
func (s *Service) AdminRouter() *gin.Engine {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(s.log))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	started := time.Now()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(started).String(),
			"component": "historian",
			"version":   s.cfg.Version,
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":     true,
			"uptime":    time.Since(started).String(),
			"component": "historian",
			"version":   s.cfg.Version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/views", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"views": s.catalog.Views()})
	})
	r.GET("/views/:view/datasets", func(c *gin.Context) {
		includeHidden := c.Query("include_hidden") == "true"
		datasets, err := s.catalog.Datasets(c.Param("view"), includeHidden)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"datasets": datasets})
	})
	r.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"count":    s.registry.Count(),
			"sessions": s.registry.Snapshot(),
		})
	})
	return r
}

func (s *Service) serveAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.AdminRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	s.log.Info().Str("addr", addr).Msg("historian admin listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return <-errCh
	case err := <-errCh:
		return err
	}
}
