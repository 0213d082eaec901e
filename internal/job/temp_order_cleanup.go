package job

import (
	"context"
	"log"
	"time"

	"github.com/xuehuage/byzy-server/internal/config"
	"github.com/xuehuage/byzy-server/internal/service"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// TempOrderCleanupJob 过期临时订单清理任务
// 每10分钟扫一次 expire_at 已过且一直没支付的临时订单并删除。
// 与在途迁移并发是安全的：迁移读不到被清掉的行时落到
// "临时订单不存在"的良性结果，不会污染任何状态
type TempOrderCleanupJob struct {
	mergedSvc *service.MergedOrderService
	cron      *cron.Cron
}

func NewTempOrderCleanupJob(db *gorm.DB, cfg *config.Config) *TempOrderCleanupJob {
	return &TempOrderCleanupJob{
		mergedSvc: service.NewMergedOrderService(db, nil, cfg),
		cron:      cron.New(),
	}
}

// Start 注册定时任务并启动调度器
func (j *TempOrderCleanupJob) Start(ctx context.Context) {
	_, err := j.cron.AddFunc("*/10 * * * *", func() {
		j.cleanup(ctx)
	})
	if err != nil {
		log.Printf("[TempOrderCleanup] 注册定时任务失败: %v", err)
		return
	}

	j.cron.Start()
	log.Println("[TempOrderCleanup] 临时订单清理任务启动")

	<-ctx.Done()
	j.Stop()
}

// Stop 停止调度器，等待在途的清理跑完
func (j *TempOrderCleanupJob) Stop() {
	stopCtx := j.cron.Stop()
	<-stopCtx.Done()
	log.Println("[TempOrderCleanup] 任务停止")
}

func (j *TempOrderCleanupJob) cleanup(ctx context.Context) {
	now := time.Now()
	deleted, err := j.mergedSvc.CleanupExpired(ctx, now)
	if err != nil {
		log.Printf("[TempOrderCleanup] 清理过期临时订单失败: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("[TempOrderCleanup] 清理过期临时订单 %d 条", deleted)
	}
}
