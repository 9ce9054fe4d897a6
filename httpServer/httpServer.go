package httpServer

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"avatarcam/internal/auth"
	"avatarcam/internal/imaging"
	"avatarcam/internal/logging"
	"avatarcam/internal/metrics"
	"avatarcam/internal/pump"
	"avatarcam/internal/shm"
	"avatarcam/internal/snapshot"
	"avatarcam/internal/streammanager"
	"avatarcam/pkg/models"
)

// Region reports on the shared region the pump reads. *shm.Reader implements it.
type Region interface {
	Connected() bool
	Config() shm.ReaderConfig
}

// Deps are the components the HTTP API exposes. Snapshots and Gatherer may be nil.
type Deps struct {
	Pump      *pump.Pump
	Region    Region
	Hub       *streammanager.Manager
	Auth      *auth.Manager
	Snapshots *snapshot.Snapshotter
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Driver    string

	PreviewFPS  float64
	JPEGQuality int

	Logger *logrus.Entry
}

// Server wraps the HTTP server with dependencies
type Server struct {
	router  *gin.Engine
	deps    Deps
	log     *logrus.Entry
	started time.Time
}

// New creates a new HTTP server
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.PreviewFPS <= 0 {
		deps.PreviewFPS = 10
	}
	if deps.JPEGQuality <= 0 {
		deps.JPEGQuality = imaging.DefaultJPEGQuality
	}

	s := &Server{
		deps:    deps,
		log:     deps.Logger,
		started: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger(), s.recordMetrics())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/v1/status", s.handleStatus)
		api.GET("/v1/frame.jpg", s.handleFrameJPEG)
		api.GET("/v1/frame.png", s.handleFramePNG)
		api.GET("/v1/stream", s.handleStream)
		api.GET("/v1/snapshots", s.handleListSnapshots)

		control := api.Group("/v1", s.requireToken(false))
		control.POST("/pump/start", s.handlePumpStart)
		control.POST("/pump/stop", s.handlePumpStop)

		// issuing tokens is never open, even when control is
		api.POST("/v1/tokens", s.requireToken(true), s.handleIssueToken)
	}

	if s.deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	s.router = router
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.WithField("addr", ln.Addr().String()).Info("HTTP server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http server")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	cfg := s.deps.Pump.Config()
	frame := models.Frame{Width: cfg.Width, Height: cfg.Height}

	resp := models.StatusResponse{
		State:      s.deps.Pump.State(),
		Resolution: frame.Resolution(),
		Format:     cfg.Format,
		Driver:     s.deps.Driver,
		Pump:       s.deps.Pump.Stats(),
		Hub:        s.deps.Hub.Stats(),
		UptimeSecs: int(time.Since(s.started).Seconds()),
	}
	if s.deps.Region != nil {
		rc := s.deps.Region.Config()
		resp.Region = rc.Path
		resp.Sequenced = rc.Sequenced
		resp.Connected = s.deps.Region.Connected()
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePumpStart(c *gin.Context) {
	s.deps.Pump.Start()
	c.JSON(http.StatusOK, models.PumpControlResponse{
		Message: "pump started",
		State:   s.deps.Pump.State(),
	})
}

func (s *Server) handlePumpStop(c *gin.Context) {
	s.deps.Pump.Stop()
	c.JSON(http.StatusOK, models.PumpControlResponse{
		Message: "pump stopped",
		State:   s.deps.Pump.State(),
	})
}

func (s *Server) handleIssueToken(c *gin.Context) {
	var req struct {
		ExpiresIn int `json:"expiresIn"` // seconds
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	token, err := s.deps.Auth.Generate(time.Duration(req.ExpiresIn) * time.Second)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token.Token,
		"expiresAt": token.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleFrameJPEG(c *gin.Context) {
	s.serveFrame(c, "image/jpeg", func(f *models.Frame) ([]byte, error) {
		return imaging.EncodeJPEG(f, s.deps.JPEGQuality)
	})
}

func (s *Server) handleFramePNG(c *gin.Context) {
	s.serveFrame(c, "image/png", imaging.EncodePNG)
}

func (s *Server) serveFrame(c *gin.Context, contentType string, encode func(*models.Frame) ([]byte, error)) {
	frame, ok := s.deps.Hub.Latest()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no frame available"})
		return
	}

	data, err := encode(frame)
	if err != nil {
		s.log.WithError(err).Warn("Failed to encode frame")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode frame"})
		return
	}

	// Set caching headers, every request should see the newest frame
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("X-Frame-Timestamp", strconv.FormatInt(frame.Timestamp, 10))

	c.Data(http.StatusOK, contentType, data)
}

func (s *Server) handleListSnapshots(c *gin.Context) {
	if s.deps.Snapshots == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshots disabled"})
		return
	}

	snaps := s.deps.Snapshots.Snapshots()
	c.JSON(http.StatusOK, gin.H{
		"snapshots": snaps,
		"total":     len(snaps),
	})
}
