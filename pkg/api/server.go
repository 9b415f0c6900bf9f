// Package api is the HTTP surface: JSON endpoints, the palette SSE
// stream, and the realtime WebSocket bridge. Handlers translate between
// wire shapes and the domain services; no business rules live here.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mindcanvas/mindcanvas/pkg/config"
	"github.com/mindcanvas/mindcanvas/pkg/database"
	"github.com/mindcanvas/mindcanvas/pkg/diagram"
	"github.com/mindcanvas/mindcanvas/pkg/llm"
	"github.com/mindcanvas/mindcanvas/pkg/palette"
	"github.com/mindcanvas/mindcanvas/pkg/services"
	"github.com/mindcanvas/mindcanvas/pkg/sms"
	"github.com/mindcanvas/mindcanvas/pkg/store"
	"github.com/mindcanvas/mindcanvas/pkg/telemetry"
)

// Server wires the domain services to routes.
type Server struct {
	cfg      *config.Config
	auth     *services.AuthService
	usage    *services.UsageService
	diagrams *diagram.Service
	sessions *palette.Manager
	streamer *palette.Streamer
	smsSvc   *sms.Service
	llm      *llm.Client
	db       *database.Client
	store    store.Store
	metrics  *telemetry.Metrics

	httpServer *http.Server
}

// Deps carries the constructed services into the server.
type Deps struct {
	Config   *config.Config
	Auth     *services.AuthService
	Usage    *services.UsageService
	Diagrams *diagram.Service
	Sessions *palette.Manager
	Streamer *palette.Streamer
	SMS      *sms.Service
	LLM      *llm.Client
	DB       *database.Client
	Store    store.Store
	Metrics  *telemetry.Metrics
}

// NewServer builds the router and the http.Server around it.
func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:      deps.Config,
		auth:     deps.Auth,
		usage:    deps.Usage,
		diagrams: deps.Diagrams,
		sessions: deps.Sessions,
		streamer: deps.Streamer,
		smsSvc:   deps.SMS,
		llm:      deps.LLM,
		db:       deps.DB,
		store:    deps.Store,
		metrics:  deps.Metrics,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", deps.Config.HTTPPort),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles middleware and routes. Exposed for handler tests.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestID(), requestLogger(s.metrics), recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/health/deep", s.handleDeepHealth)
	router.GET("/metrics", gin.WrapH(
		promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))

	// SMS login flow is how users obtain credentials; it cannot sit
	// behind them.
	router.POST("/api/sms/send", s.handleSMSSend)
	router.POST("/api/sms/verify", s.handleSMSVerify)

	authed := router.Group("/api", s.authRequired())
	{
		authed.POST("/generate_diagram", s.handleGenerateDiagram)
		authed.POST("/node_palette/start", s.handlePaletteStart)
		authed.POST("/node_palette/next_batch", s.handlePaletteNextBatch)
		authed.POST("/node_palette/advance_stage", s.handlePaletteAdvanceStage)
		authed.POST("/node_palette/close", s.handlePaletteClose)
		authed.GET("/ws/realtime", s.handleRealtime)

		admin := authed.Group("", adminRequired())
		admin.GET("/usage/summary", s.handleUsageSummary)
	}
	return router
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
