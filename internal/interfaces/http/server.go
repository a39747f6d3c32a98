package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/application/usecase"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/gateway/internal/interfaces/http/handlers"
	"github.com/ngoclaw/ngoclaw/gateway/internal/interfaces/websocket"
)

// Server HTTP服务器 — the Orchestrator's HTTP + WebSocket front door (§6).
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config HTTP服务器配置
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// NewServer 创建HTTP服务器, wiring the Orchestrator Core use case and the
// Session Hub's WebSocket upgrade endpoint behind one Gin router.
func NewServer(
	cfg Config,
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	orchestrate *usecase.OrchestrateQueryUseCase,
	providers handlers.ProviderStatusSource,
	wsHandler *websocket.Handler,
	logger *zap.Logger,
) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	orchestratorHandler := handlers.NewOrchestratorHandler(conversations, messages, orchestrate, providers, logger)
	setupRoutes(router, orchestratorHandler, wsHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由 — the Orchestrator's surface (§6): query submission,
// conversation read/delete, provider status, and the WebSocket upgrade.
func setupRoutes(router *gin.Engine, orch *handlers.OrchestratorHandler, wsHandler *websocket.Handler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	o := router.Group("/orchestrator")
	{
		o.POST("/query", orch.SubmitQuery)
		o.GET("/conversation/:id", orch.GetConversation)
		o.DELETE("/conversation/:id", orch.DeleteConversation)
		o.GET("/providers", orch.ListProviders)
	}

	if wsHandler != nil {
		router.GET("/orchestrator/ws", wsHandler.ServeWS)
	}
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
