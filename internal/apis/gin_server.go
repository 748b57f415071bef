package apis

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/config"
	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/logger"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// HeaderAPIKey 共享密钥请求头
const HeaderAPIKey = "X-API-Key"

// GinHTTPServer 基于Gin的管理接口服务器
type GinHTTPServer struct {
	server    *http.Server
	router    *gin.Engine
	deviceAPI *DeviceAPI
}

// NewGinHTTPServer 创建基于Gin的HTTP服务器
func NewGinHTTPServer(cfg config.HTTPAPIServerConfig, deviceAPI *DeviceAPI) *GinHTTPServer {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	router.Use(corsMiddleware())

	registerRoutes(router, deviceAPI, authMiddleware(cfg.Auth))

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      router,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		IdleTimeout:  120 * time.Second,
	}

	return &GinHTTPServer{
		server:    server,
		router:    router,
		deviceAPI: deviceAPI,
	}
}

// registerRoutes 注册所有路由
func registerRoutes(router *gin.Engine, deviceAPI *DeviceAPI, auth gin.HandlerFunc) {
	router.GET("/health", deviceAPI.GetHealthGin)
	router.GET("/ping", deviceAPI.PingGin)

	v1 := router.Group("/api/v1", auth)
	{
		v1.GET("/sessions", deviceAPI.GetSessionsGin) // 在线会话
		v1.GET("/metrics", deviceAPI.GetMetricsGin)   // 协议计数器

		devices := v1.Group("/devices")
		{
			devices.GET("", deviceAPI.GetDevicesGin)
			devices.POST("", deviceAPI.RegisterDeviceGin)
			devices.GET("/:account/:device", deviceAPI.GetDeviceGin)
			devices.POST("/:account/:device/commands", deviceAPI.QueueCommandGin)
			devices.GET("/:account/:device/events", deviceAPI.GetEventsGin)
		}
	}
}

// authMiddleware 共享密钥与来源IP白名单，均为空时不校验
func authMiddleware(auth config.AuthConfig) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(auth.AllowedIPs))
	for _, ip := range auth.AllowedIPs {
		allowed[ip] = struct{}{}
	}
	return func(c *gin.Context) {
		if len(allowed) > 0 {
			if _, ok := allowed[c.ClientIP()]; !ok {
				c.AbortWithStatusJSON(http.StatusForbidden, NewErrorResponse("来源IP不允许", http.StatusForbidden))
				return
			}
		}
		if auth.SharedKey != "" && c.GetHeader(HeaderAPIKey) != auth.SharedKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, NewErrorResponse("密钥错误", http.StatusUnauthorized))
			return
		}
		c.Next()
	}
}

// requestLogger 请求日志
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"clientIP": c.ClientIP(),
			"latency":  time.Since(start).String(),
		}).Debug("HTTP请求")
	}
}

// corsMiddleware CORS中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+HeaderAPIKey)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Start 启动HTTP服务器
func (s *GinHTTPServer) Start() error {
	logger.WithField("address", s.server.Addr).Info("启动Gin HTTP服务器")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止HTTP服务器
func (s *GinHTTPServer) Stop(ctx context.Context) error {
	logger.Info("停止Gin HTTP服务器")
	return s.server.Shutdown(ctx)
}

// GetRouter 获取Gin路由器（用于测试）
func (s *GinHTTPServer) GetRouter() *gin.Engine {
	return s.router
}
