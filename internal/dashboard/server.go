package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"feedflow/config"
	"feedflow/internal/metrics"
	"feedflow/internal/pipeline"
	"feedflow/internal/reliability"
	"feedflow/logger"
)

// Backend is what the dashboard reads from and acts on.
type Backend interface {
	Status(now time.Time) pipeline.Status
	ResetCircuit(source string, now time.Time) error
	Healthy(now time.Time, staleAfter time.Duration) bool
}

// Server hosts the Gin-powered status API for feedflow.
type Server struct {
	cfg               config.DashboardConfig
	log               *logger.Log
	backend           Backend
	prometheus        http.Handler
	metricStore       *metricStore
	logStore          *logStore
	unsubscribe       func()
	httpServer        *http.Server
	refreshIntervalMs int
	resourceSampler   *resourceSampler
	staleAfter        time.Duration
	now               func() time.Time
}

// NewServer constructs a dashboard server when the dashboard feature is enabled.
// When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, backend Backend, prometheus http.Handler) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if backend == nil {
		return nil, errors.New("dashboard: backend is required")
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}

	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}

	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	unsubscribe := metrics.Subscribe(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	sampler := newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, "/", log)

	server := &Server{
		cfg:               cfg,
		log:               log,
		backend:           backend,
		prometheus:        prometheus,
		metricStore:       metricStore,
		logStore:          logStore,
		unsubscribe:       unsubscribe,
		refreshIntervalMs: int(cfg.RefreshInterval / time.Millisecond),
		resourceSampler:   sampler,
		staleAfter:        time.Minute,
		now:               time.Now,
	}

	return server, nil
}

// SetStaleAfter sets how long the loop may go without a cycle before
// /healthz reports unhealthy.
func (s *Server) SetStaleAfter(d time.Duration) {
	if s != nil && d > 0 {
		s.staleAfter = d
	}
}

// Run starts the dashboard HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	if s.resourceSampler != nil {
		s.resourceSampler.start(ctx)
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("dashboard listening")

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
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.resourceSampler != nil {
		s.resourceSampler.stop()
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		now := s.now()
		if !s.backend.Healthy(now, s.staleAfter) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "time": now.UTC().Format(time.RFC3339)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": now.UTC().Format(time.RFC3339)})
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":                 appName,
			"refresh_interval_ms": s.refreshIntervalMs,
			"status":              s.backend.Status(s.now()),
		})
	})

	router.POST("/circuits/:source/reset", func(c *gin.Context) {
		source := c.Param("source")
		err := s.backend.ResetCircuit(source, s.now())
		switch {
		case errors.Is(err, reliability.ErrUnknownSource):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "source": source})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "source": source})
			return
		}
		s.log.WithComponent("dashboard").WithField("source", source).Info("circuit reset by operator")
		c.JSON(http.StatusOK, gin.H{"source": source, "state": "CLOSED"})
	})

	if s.prometheus != nil {
		router.GET("/metrics", gin.WrapH(s.prometheus))
	}

	router.GET("/api/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"metrics": s.metricStore.snapshot(),
			"latest":  s.metricStore.series(),
		})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		logsSnapshot := s.logStore.snapshot()
		payload := make([]gin.H, 0, len(logsSnapshot))
		for _, l := range logsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		snapshots := s.resourceSampler.snapshot()
		payload := make([]gin.H, 0, len(snapshots))
		for _, snap := range snapshots {
			payload = append(payload, gin.H{
				"timestamp":      snap.Timestamp.Format(time.RFC3339Nano),
				"cpu_percent":    snap.CPUPercent,
				"memory_used":    snap.MemoryUsed,
				"memory_total":   snap.MemoryTotal,
				"memory_percent": snap.MemoryPct,
				"disk_used":      snap.DiskUsed,
				"disk_total":     snap.DiskTotal,
				"disk_percent":   snap.DiskPct,
				"process_rss":    snap.ProcessRSS,
			})
		}
		c.JSON(http.StatusOK, gin.H{"resources": payload})
	})

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
