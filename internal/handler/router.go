package handler

import (
	"github.com/xuehuage/byzy-server/internal/config"
	"github.com/xuehuage/byzy-server/internal/infrastructure/gateway"
	"github.com/xuehuage/byzy-server/internal/notifier"
	"github.com/xuehuage/byzy-server/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	registry := notifier.NewRegistry(notifier.DefaultTimeout)
	gw := gateway.NewClient(&cfg.Gateway, repository.NewTerminalRepository(db))
	h := NewHandler(db, rdb, cfg, registry, gw)

	api := r.Group("/api")
	{
		// 游客端公开接口（无需登录）
		public := api.Group("/public")
		{
			public.POST("/prepay", h.Prepay)
			public.GET("/payment/status/:client_sn", h.SearchPaymentStatus)
			public.GET("/orders/:client_sn", h.QueryOrder)
			public.GET("/students/query-by-idcard/:id_card", h.QueryStudent)
		}

		// 第三方回调
		api.POST("/payment/callback", h.PaymentCallback)
	}

	// 支付结果推送长连接
	r.GET("/ws", h.WebSocket)

	// 本地渲染的收款二维码图片
	r.Static("/qrcodes", cfg.Business.QrcodeDir)

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
