package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aurora-ledger/network/pkg/gossip"
	"github.com/aurora-ledger/network/pkg/relay"
	"github.com/aurora-ledger/network/pkg/types"
)

// Server represents the REST API server
type Server struct {
	// Configuration
	config *Config

	// Router
	router *gin.Engine

	// Services
	services *Services

	// Server instance
	server *http.Server

	// Logger
	logger *zap.Logger
}

// Config represents API configuration
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxHeaderBytes int
	AllowedOrigins []string
	RateLimit      int
	RateWindow     time.Duration
	EnableMetrics  bool
}

// Services represents the services exposed by the API
type Services struct {
	Network NetworkService
	Relay   RelayService
}

// NetworkService is the network surface the API needs.
type NetworkService interface {
	NodeInfo() types.NodeInfo
	Peers(ctx context.Context) ([]gossip.PeerInfo, error)
	Connect(ctx context.Context, id peer.ID, addrs []multiaddr.Multiaddr) error
	Disconnect(ctx context.Context, id peer.ID) error
	Ban(ctx context.Context, id peer.ID, reason string) error
	Unban(ctx context.Context, id peer.ID) error
}

// RelayService is the relay surface the API needs.
type RelayService interface {
	Stats() relay.Stats
	Broadcast(payload []byte)
}

// NewServer creates a new API server
func NewServer(config *Config, services *Services, logger *zap.Logger) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	server := &Server{
		config:   config,
		router:   router,
		services: services,
		logger:   logger.Named("api"),
	}
	server.initializeRoutes()

	return server, nil
}

// Start starts the API server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting API server",
		zap.String("host", s.config.Host),
		zap.Int("port", s.config.Port))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop stops the API server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped")
	return nil
}

// Initialize routes
func (s *Server) initializeRoutes() {
	s.router.Use(corsMiddleware(s.config.AllowedOrigins))
	s.router.Use(loggerMiddleware(s.logger))
	s.router.Use(recoveryMiddleware(s.logger))
	if s.config.RateLimit > 0 {
		s.router.Use(rateLimiterMiddleware(s.config.RateLimit, s.config.RateWindow))
	}

	s.router.GET("/health", s.handleHealthCheck)

	v1 := s.router.Group("/api/v1")
	{
		node := v1.Group("/node")
		{
			node.GET("/info", s.handleGetNodeInfo)
			node.GET("/peers", s.handleGetPeers)
			node.POST("/peers", s.handleAddPeer)
			node.DELETE("/peers/:id", s.handleRemovePeer)
			node.POST("/peers/:id/ban", s.handleBanPeer)
			node.DELETE("/peers/:id/ban", s.handleUnbanPeer)
		}

		rl := v1.Group("/relay")
		{
			rl.GET("/stats", s.handleRelayStats)
			rl.POST("/broadcast", s.handleBroadcast)
		}
	}

	if s.config.EnableMetrics {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}

// Health check endpoint
func (s *Server) handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// Router returns the Gin router instance, for tests and embedding.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
		AllowedOrigins: []string{"*"},
		EnableMetrics:  true,
	}
}

// API error response
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// API success response
type APIResponse struct {
	Data    interface{} `json:"data"`
	Message string      `json:"message,omitempty"`
}

// errorResponse maps a service error to its HTTP status.
func errorResponse(c *gin.Context, err error) {
	c.JSON(statusFor(err), APIError{
		Code:    statusFor(err),
		Message: err.Error(),
	})
}

func statusFor(err error) int {
	switch {
	case isAny(err, gossip.ErrPeerBanned, gossip.ErrAlreadyInProgress):
		return http.StatusConflict
	case isAny(err, gossip.ErrUnknownPeer, gossip.ErrNotConnected):
		return http.StatusNotFound
	case isAny(err, gossip.ErrBackpressure):
		return http.StatusTooManyRequests
	case isAny(err, gossip.ErrServiceClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Data: data,
	})
}
