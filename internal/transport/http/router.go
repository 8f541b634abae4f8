package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"scambait/backend/internal/config"
	"scambait/backend/internal/health"
	"scambait/backend/internal/middleware"
	"scambait/backend/internal/monitoring"
	"scambait/backend/internal/service"
	"scambait/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config        *config.Config
	Control       *service.ControlService
	Conversations InteractionRecorder
	Health        *health.HealthChecker // 可为 nil
	WebSocketHub  *websocket.Hub        // 可为 nil
	Metrics       *monitoring.Metrics
	Logger        *zap.Logger
}

func (d *RouterDependencies) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// baseRouter 创建带公共中间件的 gin 实例
func baseRouter(deps RouterDependencies, component string) *gin.Engine {
	router := gin.New()
	log := deps.logger().Named(component)

	router.Use(middleware.RecoveryHandler(log, deps.Metrics))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.NewMonitoringMiddleware(deps.Metrics).HTTPMetrics())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.SmallBodyLimit))
	return router
}

// NewRouter 创建操作员控制面路由。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := baseRouter(deps, "http")

	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}
	router.Use(gincors.New(corsConfig))

	control := NewControlHandler(deps.Control, deps.logger())

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// 与原有操作脚本兼容的顶层路由
	router.POST("/start_conversation", control.StartConversation)
	router.POST("/send_first_email", control.SendFirstEmail)
	router.GET("/status", middleware.NoStore(), control.Status)

	v1 := router.Group("/v1")
	{
		v1.POST("/conversations/start", control.StartConversation)
		v1.POST("/conversations/first-email", control.SendFirstEmail)
		v1.GET("/conversations", middleware.NoStore(), control.ListConversations)
		v1.GET("/conversations/:id", middleware.NoStore(), control.GetConversation)
		v1.GET("/status", middleware.NoStore(), control.Status)

		if deps.WebSocketHub != nil {
			v1.GET("/events", websocket.HandleWebSocket(deps.WebSocketHub))
		}
	}

	return router
}

// NewTrackingRouter 创建追踪端点路由，只暴露 GET /:token。
func NewTrackingRouter(deps RouterDependencies) *gin.Engine {
	router := baseRouter(deps, "tracking")
	router.Use(middleware.NoStore())

	tracking := NewTrackingHandler(deps.Conversations, deps.Config.Tracking.RedirectURL, deps.Metrics, deps.logger())
	router.GET("/:token", tracking.Track)

	// 未知路径同样跳转，避免暴露端点结构
	router.NoRoute(func(c *gin.Context) {
		c.Redirect(http.StatusFound, deps.Config.Tracking.RedirectURL)
	})

	return router
}
