// Package api exposes the trading loop over HTTP and WebSocket, and its
// liveness over the standard gRPC health protocol.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"paper-trading-core/internal/engine"
	"paper-trading-core/internal/events"
)

// Server wires HTTP endpoints around the engine service and event bus.
type Server struct {
	Router *gin.Engine
	Engine engine.Service
	Bus    *events.Bus
	Meta   SystemMeta
	// Extras adds component statistics to /api/metrics.
	Extras func() map[string]any

	limiter *ipRateLimiter
}

// SystemMeta describes runtime status exposed to clients.
type SystemMeta struct {
	Version     string
	Symbols     []string
	Timeframe   string
	UseMockFeed bool
	Storage     string
}

// Options tune the middleware stack.
type Options struct {
	RequestTimeout time.Duration
	RatePerSecond  float64
	RateBurst      int
}

// DefaultOptions: 30s request timeout, 20 req/s per IP with a burst of 50.
func DefaultOptions() Options {
	return Options{RequestTimeout: 30 * time.Second, RatePerSecond: 20, RateBurst: 50}
}

func NewServer(svc engine.Service, bus *events.Bus, meta SystemMeta, opts Options) *Server {
	r := gin.New()
	limiter := newIPRateLimiter(opts.RatePerSecond, opts.RateBurst)

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                         // Panic recovery (first)
	r.Use(RequestIDMiddleware())                  // Request ID tracking
	r.Use(RequestLogger())                        // Request logging (after ID is set)
	r.Use(limiter.Middleware())                   // Rate limiting
	r.Use(TimeoutMiddleware(opts.RequestTimeout)) // Request timeout
	r.Use(CORSMiddleware())                       // CORS (last before routes)

	s := &Server{
		Router:  r,
		Engine:  svc,
		Bus:     bus,
		Meta:    meta,
		limiter: limiter,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/accounts", s.getAccounts)

		// Loop control
		api.POST("/loop/start", s.startLoop)
		api.POST("/loop/stop", s.stopLoop)
		api.POST("/loop/refresh", s.refreshLoop)

		api.GET("/settings", s.getSettings)
		api.PUT("/settings", s.updateSettings)

		// Ledger
		api.GET("/balance", s.getBalance)
		api.GET("/positions", s.getPositions)
		api.GET("/trades", s.getTrades)
		api.POST("/trades/manual", s.createManualTrade)

		// Signals
		api.GET("/signals/:symbol", s.getSignals)
		api.GET("/analyze/:symbol", s.analyzeSymbol)
	}
}

func (s *Server) health(c *gin.Context) {
	st := s.Engine.Status()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "loop": st.State, "running": st.Running})
}

// HTTPServer returns an http.Server for addr so the caller can shut it down
// gracefully.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Close stops background middleware housekeeping.
func (s *Server) Close() {
	s.limiter.Close()
}
