// Package api is the HTTP surface: REST endpoints for windows,
// predictions, training control and model health, plus the websocket
// endpoint served by the hub.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"market-forecast-service/config"
	"market-forecast-service/internal/database"
	"market-forecast-service/internal/health"
	"market-forecast-service/internal/hub"
	"market-forecast-service/internal/logging"
	"market-forecast-service/internal/market"
	"market-forecast-service/internal/predict"
	"market-forecast-service/internal/training"
	"market-forecast-service/internal/window"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// WindowAPI is the loader surface the handlers need.
type WindowAPI interface {
	Load(ctx context.Context, req window.Request) (market.Slice, error)
	FetchLatest(ctx context.Context, symbol string, tf market.Timeframe) (market.Candle, error)
}

// PredictAPI triggers forecasts.
type PredictAPI interface {
	Predict(ctx context.Context, req predict.Request) (*predict.Prediction, error)
}

// TrainingAPI is the queue control surface.
type TrainingAPI interface {
	Enqueue(ctx context.Context, botName, symbol string, tf market.Timeframe, hp database.Hyperparams) (*database.TrainingRecord, error)
	StartAuto(ctx context.Context, symbols []string, timeframes []market.Timeframe, bots []string, hp database.Hyperparams) (int, int, error)
	Pause() training.Status
	Resume() training.Status
	Stop() training.Status
	ForceStop() training.Status
	Status() training.Status
}

// HealthAPI produces the models report.
type HealthAPI interface {
	Report(ctx context.Context) ([]health.ModelHealth, error)
}

// RecordStore reads predictions and removes models.
type RecordStore interface {
	GetLatestPrediction(ctx context.Context, symbol string, tf market.Timeframe) (*database.PredictionRecord, error)
	DeleteModel(ctx context.Context, bot, symbol string, tf market.Timeframe) ([]string, error)
	HealthCheck(ctx context.Context) error
}

// CacheControl clears the hot tier; nil-safe when Redis is disabled.
type CacheControl interface {
	ClearAll(ctx context.Context) error
}

// WarmControl clears the in-process tier.
type WarmControl interface {
	Clear()
}

// Deps carries everything the server exposes.
type Deps struct {
	Loader    WindowAPI
	Predictor PredictAPI
	Training  TrainingAPI
	Health    HealthAPI
	Store     RecordStore
	HotCache  CacheControl
	WarmCache WarmControl
	Hub       *hub.Hub
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	deps        Deps
	cfg         config.ServerConfig
	rateLimiter *RateLimiter
	log         *logging.Logger
}

// NewServer builds the router with CORS, rate limiting and all routes.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		deps:        deps,
		cfg:         cfg,
		rateLimiter: NewRateLimiter(120, time.Minute),
		log:         logging.WithComponent("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP() + c.FullPath()
		if !s.rateLimiter.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	api.Use(s.rateLimit())
	{
		api.GET("/candles", s.handleGetWindow)
		api.GET("/candles/latest", s.handleGetLatestCandle)

		api.POST("/predict", s.handleTriggerPrediction)
		api.GET("/predictions/latest", s.handleGetLatestPrediction)

		api.POST("/train", s.handleTrainBot)
		api.POST("/train/auto", s.handleStartAutoTraining)
		api.POST("/train/control", s.handleTrainingControl)
		api.GET("/train/status", s.handleTrainingStatus)

		api.GET("/models/report", s.handleModelsReport)
		api.DELETE("/models", s.handleClearModel)

		api.POST("/cache/clear", s.handleClearCache)
		api.GET("/health", s.handleHealth)
	}

	if s.deps.Hub != nil {
		s.router.GET("/ws", func(c *gin.Context) {
			s.deps.Hub.ServeWS(c.Writer, c.Request)
		})
	}
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the HTTP server. Blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	readTimeout := time.Duration(valOrDefault(s.cfg.ReadTimeout, 15)) * time.Second
	writeTimeout := time.Duration(valOrDefault(s.cfg.WriteTimeout, 15)) * time.Second

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info("starting HTTP server", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func valOrDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
