package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"grid-trading-engine/internal/bot"
	"grid-trading-engine/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Controller 交易管理器对外暴露的只读视图与管理命令
type Controller interface {
	Snapshot() models.Snapshot
	Events() []models.Event
	Config() *models.Config
	Start(ctx context.Context) bot.CommandResult
	Pause(ctx context.Context) bot.CommandResult
	Resume(ctx context.Context) bot.CommandResult
	EmergencyStop(ctx context.Context, reason string) bot.CommandResult
	ClearEmergency(ctx context.Context) bot.CommandResult
	UpdateConfig(ctx context.Context, patch []byte) bot.CommandResult
}

// Server 状态查询与管理命令的 HTTP 接口
type Server struct {
	router     *gin.Engine
	ctl        Controller
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
	httpServer *http.Server
}

// NewServer 创建 HTTP 接口，gatherer 为 nil 时不提供 /metrics
func NewServer(ctl Controller, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	s := &Server{
		router:   router,
		ctl:      ctl,
		gatherer: gatherer,
		logger:   logger.With(zap.String("component", "api")),
	}
	router.Use(gin.Recovery(), s.accessLog())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	if s.gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/events", s.handleEvents)
		api.GET("/config", s.handleGetConfig)
		api.PATCH("/config", s.handlePatchConfig)

		cmd := api.Group("/commands")
		cmd.POST("/start", s.command(s.ctl.Start))
		cmd.POST("/pause", s.command(s.ctl.Pause))
		cmd.POST("/resume", s.command(s.ctl.Resume))
		cmd.POST("/clear-emergency", s.command(s.ctl.ClearEmergency))
		cmd.POST("/emergency-stop", s.handleEmergencyStop)
	}
}

// Handler 供测试与自定义监听使用
func (s *Server) Handler() http.Handler { return s.router }

// accessLog 使用 zap 记录请求
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	h := s.ctl.Snapshot().Health
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) handleEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": s.ctl.Events()})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctl.Config())
}

func (s *Server) handlePatchConfig(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, bot.CommandResult{Error: err.Error(), Snapshot: s.ctl.Snapshot()})
		return
	}
	res := s.ctl.UpdateConfig(c.Request.Context(), body)
	s.reply(c, res, http.StatusBadRequest)
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, bot.CommandResult{Error: err.Error(), Snapshot: s.ctl.Snapshot()})
			return
		}
	}
	s.logger.Warn("收到紧急停止命令", zap.String("reason", req.Reason), zap.String("remote", c.ClientIP()))
	s.reply(c, s.ctl.EmergencyStop(c.Request.Context(), req.Reason), http.StatusInternalServerError)
}

func (s *Server) command(fn func(ctx context.Context) bot.CommandResult) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.reply(c, fn(c.Request.Context()), http.StatusConflict)
	}
}

func (s *Server) reply(c *gin.Context, res bot.CommandResult, failure int) {
	if res.OK {
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(failure, res)
}

// Start 在后台监听，返回后即可接受请求
func (s *Server) Start(addr string) {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.Info("HTTP 接口已启动", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP 接口异常退出", zap.Error(err))
		}
	}()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
