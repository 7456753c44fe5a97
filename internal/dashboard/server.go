package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appconfig "barflow/config"
	"barflow/internal/pipeline"
	"barflow/internal/ratelimit"
	"barflow/internal/validate"
	"barflow/logger"
	"barflow/models"
)

// StatusSource is the slice of the pipeline the operator API reads from.
type StatusSource interface {
	Stats() pipeline.Stats
	Chain() *validate.FingerprintChain
	RateInfo(rt models.RequestType) ratelimit.RateInfo
}

// Server hosts the JSON operator API: component statistics, admission
// state, the fingerprint chain and recent logs.
type Server struct {
	cfg        appconfig.DashboardConfig
	log        *logger.Log
	source     StatusSource
	logStore   *logStore
	httpServer *http.Server
	started    time.Time
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg appconfig.DashboardConfig, log *logger.Log, source StatusSource) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Address = normalizeAddress(cfg.Address)

	store := newLogStore(cfg.LogHistory)
	log.AddHook(store)

	return &Server{
		cfg:      cfg,
		log:      log,
		source:   source,
		logStore: store,
	}
}

// Run blocks until ctx is cancelled or the HTTP server fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.logStore.close()

	s.started = time.Now()
	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.buildRouter(appName),
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the listen address, empty when disabled.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": appName})
	})

	router.GET("/api/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":        appName,
			"uptime_seconds": int64(time.Since(s.started).Seconds()),
			"stats":          s.source.Stats(),
		})
	})

	router.GET("/api/rates", func(c *gin.Context) {
		rates := make(map[string]ratelimit.RateInfo, len(models.RequestTypes))
		for _, rt := range models.RequestTypes {
			rates[string(rt)] = s.source.RateInfo(rt)
		}
		c.JSON(http.StatusOK, gin.H{"rates": rates})
	})

	router.GET("/api/chain", func(c *gin.Context) {
		chain := s.source.Chain()
		if chain == nil {
			c.JSON(http.StatusOK, gin.H{"enabled": false})
			return
		}
		intact := true
		detail := ""
		if err := chain.Verify(); err != nil {
			intact = false
			detail = err.Error()
		}
		c.JSON(http.StatusOK, gin.H{
			"enabled": true,
			"length":  chain.Len(),
			"intact":  intact,
			"detail":  detail,
			"entries": chain.Entries(),
		})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})

	return router
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
