package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"timecapsule/backend/internal/auth"
	jwtpkg "timecapsule/backend/internal/auth/jwt"
	"timecapsule/backend/internal/config"
	"timecapsule/backend/internal/health"
	"timecapsule/backend/internal/middleware"
	"timecapsule/backend/internal/monitoring"
	"timecapsule/backend/internal/ratelimit"
	"timecapsule/backend/internal/service"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	AuthService    *auth.Service
	CapsuleService *service.CapsuleService
	JWTManager     *jwtpkg.Manager
	Metrics        *monitoring.Metrics
	Health         *health.HealthChecker
	AuthLimiter    ratelimit.Limiter // 认证接口按 IP 限流，nil 表示不限流
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	router.Use(middleware.RecoveryHandler(log, deps.Metrics))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.HTTPMetrics(deps.Metrics))
	router.Use(middleware.BodySizeLimit(deps.Config.Server.MaxBodyBytes))
	if deps.Config.Server.RequestTimeout > 0 {
		router.Use(middleware.RequestTimeout(deps.Config.Server.RequestTimeout))
	}

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
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
	router.Use(gincors.New(corsConfig))

	authHandler := NewAuthHandler(deps.AuthService, deps.Metrics, log)
	capsuleHandler := NewCapsuleHandler(deps.CapsuleService, log)

	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, log)
	adminAuth := middleware.NewAdminAuth(log)

	// 健康检查与监控
	router.GET("/health", func(c *gin.Context) {
		data := gin.H{"status": "ok"}
		if deps.Health != nil {
			data["uptime"] = deps.Health.Uptime().Round(time.Second).String()
		}
		Success(c, data)
	})
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	v1 := router.Group("/v1")

	authGroup := v1.Group("/auth")
	if deps.AuthLimiter != nil {
		authGroup.Use(middleware.RateLimitByIP(deps.AuthLimiter, deps.Metrics))
	}
	{
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/refresh", authHandler.Refresh)
		authGroup.GET("/me", jwtAuth.RequireAuth(), authHandler.Me)
	}

	capsules := v1.Group("/capsules", jwtAuth.RequireAuth())
	{
		capsules.POST("", capsuleHandler.Create)
		capsules.GET("/my-capsules", capsuleHandler.ListMine)
		capsules.GET("/public", capsuleHandler.ListPublic)
		capsules.POST("/send", capsuleHandler.Send)
		capsules.POST("/check-status", adminAuth.RequireAdmin(), capsuleHandler.CheckStatus)
		capsules.GET("/:id", capsuleHandler.Get)
		capsules.PUT("/:id", capsuleHandler.Update)
		capsules.DELETE("/:id", capsuleHandler.Delete)
	}

	return router
}
