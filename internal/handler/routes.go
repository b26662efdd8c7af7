package handler

import (
	"charityledger/config"
	"charityledger/internal/middleware"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes 注册路由
func RegisterRoutes(r *gin.Engine, cfg *config.Config, admin *AdminHandler, health *HealthHandler) {
	r.Use(middleware.CORSWithConfig(cfg.Server.CORSAllowOrigins))

	// 健康检查
	r.GET("/health", health.Health)
	r.GET("/health/detail", health.HealthDetail)

	// 登录 (无需认证)
	r.POST("/admin/api/login", middleware.LoginRateLimit(cfg.Server.LoginRate, cfg.Server.LoginBurst), admin.Login)

	// 需要认证的管理API
	adminAPI := r.Group("/admin/api")
	adminAPI.Use(middleware.AdminAuth(cfg.JWT.Secret))
	{
		// 流水线
		adminAPI.GET("/pipeline", admin.Pipeline)
		adminAPI.POST("/pipeline/run", admin.RunPipeline)

		// 账本与日志
		adminAPI.GET("/transactions", admin.Transactions)
		adminAPI.GET("/journal", admin.Journal)

		// 链上状态
		adminAPI.GET("/chain", admin.Chain)
		adminAPI.GET("/wallets/:address/qrcode", admin.WalletQRCode)
	}
}
