package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/xuehuage/byzy-server/internal/config"
	"github.com/xuehuage/byzy-server/internal/infrastructure/lock"
	"github.com/xuehuage/byzy-server/internal/model"
	"github.com/xuehuage/byzy-server/internal/repository"
	"github.com/xuehuage/byzy-server/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// ErrTempOrderNotFound 迁移时临时订单不存在
// 这是并发对账的预期结果而非故障：轮询和回调都会触发迁移，
// 后到的一方必然查不到已被迁走的临时订单
var ErrTempOrderNotFound = repository.ErrTempOrderNotFound

// ErrMergedOrderNotFound 查询的正式订单不存在
var ErrMergedOrderNotFound = repository.ErrMergedOrderNotFound

// MergedOrderService 合并订单：暂存区管理 + 迁移状态机
type MergedOrderService struct {
	db          *gorm.DB
	redisClient *redis.Client // 允许为空，为空时只靠数据库行锁兜底
	cfg         *config.Config
	tempRepo    *repository.TempOrderRepository
	mergedRepo  *repository.MergedOrderRepository
	studentRepo *repository.StudentOrderRepository
	outboxRepo  *repository.OutboxRepository

	// 商户订单号候选值生成器，测试时打桩制造碰撞
	GenClientSn func() string
}

func NewMergedOrderService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *MergedOrderService {
	return &MergedOrderService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		tempRepo:    repository.NewTempOrderRepository(db),
		mergedRepo:  repository.NewMergedOrderRepository(db),
		studentRepo: repository.NewStudentOrderRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		GenClientSn: idgen.GenerateClientSn,
	}
}

// GenerateUniqueClientSn 生成全局唯一的商户订单号
// 候选值要对临时表和正式表双表查重：一个号可能已被并发请求
// 迁移进正式表，只查临时表会撞上历史订单
func (s *MergedOrderService) GenerateUniqueClientSn(ctx context.Context) (string, error) {
	for {
		clientSn := s.GenClientSn()

		tempExists, err := s.tempRepo.Exists(ctx, clientSn)
		if err != nil {
			return "", fmt.Errorf("查询临时订单失败: %w", err)
		}
		formalExists, err := s.mergedRepo.Exists(ctx, clientSn)
		if err != nil {
			return "", fmt.Errorf("查询正式订单失败: %w", err)
		}

		if !tempExists && !formalExists {
			return clientSn, nil
		}
	}
}

// CreateTempOrder 创建临时合并订单（预下单暂存）
// 主订单行与子项批量插入在同一事务内，全部成功或全部失败
func (s *MergedOrderService) CreateTempOrder(ctx context.Context, studentID, totalAmount int64, payWay int, subject string, lineOrderIDs []int64) (string, error) {
	clientSn, err := s.GenerateUniqueClientSn(ctx)
	if err != nil {
		return "", err
	}

	order := &model.MergedOrderTemp{
		ClientSn:    clientSn,
		StudentID:   studentID,
		TotalAmount: totalAmount,
		PayWay:      payWay,
		Subject:     subject,
		Operator:    s.cfg.Gateway.Operator,
		Status:      model.TempOrderStatusCreated,
		ExpireAt:    time.Now().Add(model.TempOrderTTL),
	}

	if err := s.tempRepo.Create(ctx, order, lineOrderIDs); err != nil {
		return "", fmt.Errorf("创建临时订单失败: %w", err)
	}
	return clientSn, nil
}

// UpdateQrCode 预下单成功后把二维码回写到临时订单
func (s *MergedOrderService) UpdateQrCode(ctx context.Context, clientSn, qrCode string) error {
	return s.tempRepo.UpdateQrCode(ctx, clientSn, qrCode)
}

// FindTempByClientSn 查询临时订单（只读）
func (s *MergedOrderService) FindTempByClientSn(ctx context.Context, clientSn string) (*model.MergedOrderTemp, error) {
	return s.tempRepo.FindByClientSn(ctx, nil, clientSn, false)
}

// CleanupExpired 清理过期临时订单，供定时任务调用
func (s *MergedOrderService) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.tempRepo.DeleteExpired(ctx, now)
}

// MigrateToFormal 支付成功后把临时订单迁移为正式订单
//
// 幂等性是整条对账链路的正确性基石：轮询和回调不分先后、可能同时
// 到达，同一个 client_sn 无论被触发多少次，正式订单只能产生一条。
// 实现上依赖三层防线：
//  1. redis 分布式锁把跨实例的并发迁移串行化（尽力而为）；
//  2. 事务内对临时订单加排他行锁，后到的事务要么等锁、要么读到
//     行已删除，落到 ErrTempOrderNotFound 的良性结果；
//  3. 正式表 client_sn 唯一索引做最后兜底。
//
// 事务内容：插入正式订单 → 复制子项 → 原始订单置已付款 → 删除
// 临时订单及子项 → 写支付成功发件箱。任何一步失败整体回滚。
func (s *MergedOrderService) MigrateToFormal(ctx context.Context, clientSn string, payTime time.Time, transactionID string) error {
	if s.redisClient != nil {
		migrateLock := lock.NewMigrateLock(s.redisClient, clientSn)
		if err := migrateLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer migrateLock.Unlock(ctx)
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		tempOrder, err := s.tempRepo.FindByClientSn(ctx, tx, clientSn, true)
		if err != nil {
			return err
		}

		items, err := s.tempRepo.FindItems(ctx, tx, tempOrder.ID)
		if err != nil {
			return fmt.Errorf("查询临时订单子项失败: %w", err)
		}

		formal := &model.MergedOrder{
			ClientSn:    tempOrder.ClientSn,
			StudentID:   tempOrder.StudentID,
			TotalAmount: tempOrder.TotalAmount,
			PayWay:      tempOrder.PayWay,
			Subject:     tempOrder.Subject,
			QrCode:      tempOrder.QrCode,
			Operator:    tempOrder.Operator,
			Status:      model.MergedOrderStatusPaid,
			PaidAt:      payTime,
		}
		if transactionID != "" {
			formal.TransactionID = &transactionID
		}
		if err := s.mergedRepo.Create(ctx, tx, formal); err != nil {
			return fmt.Errorf("创建正式订单失败: %w", err)
		}

		formalItems := make([]model.MergedOrderItem, 0, len(items))
		lineOrderIDs := make([]int64, 0, len(items))
		for _, item := range items {
			formalItems = append(formalItems, model.MergedOrderItem{
				MergedOrderID:         formal.ID,
				StudentUniformOrderID: item.StudentUniformOrderID,
			})
			lineOrderIDs = append(lineOrderIDs, item.StudentUniformOrderID)
		}
		if err := s.mergedRepo.CreateItems(ctx, tx, formalItems); err != nil {
			return fmt.Errorf("创建正式订单子项失败: %w", err)
		}

		if err := s.studentRepo.MarkPaid(ctx, tx, lineOrderIDs, payTime); err != nil {
			return fmt.Errorf("更新原始订单状态失败: %w", err)
		}

		if err := s.tempRepo.Delete(ctx, tx, tempOrder.ID); err != nil {
			return fmt.Errorf("删除临时订单失败: %w", err)
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"client_sn":      formal.ClientSn,
			"student_id":     formal.StudentID,
			"total_amount":   formal.TotalAmount,
			"payway":         formal.PayWay,
			"transaction_id": transactionID,
			"paid_at":        payTime.Format(time.RFC3339),
		})
		outboxMsg := &model.OutboxMessage{
			MessageKey: formal.ClientSn,
			Topic:      s.cfg.Kafka.Topic.PaymentSuccess,
			Payload:    string(payload),
			Status:     model.OutboxStatusPending,
		}
		if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
			return fmt.Errorf("写入支付成功事件失败: %w", err)
		}

		return nil
	})

	if err != nil {
		if errors.Is(err, ErrTempOrderNotFound) {
			return ErrTempOrderNotFound
		}
		return err
	}

	log.Printf("[MergedOrder] 订单迁移成功: clientSn=%s, payTime=%s", clientSn, payTime.Format(time.RFC3339))
	return nil
}

// GetFormalByClientSn 查询正式订单
func (s *MergedOrderService) GetFormalByClientSn(ctx context.Context, clientSn string) (*model.MergedOrder, error) {
	return s.mergedRepo.GetByClientSn(ctx, clientSn)
}

// FindFormalItems 查询正式订单关联的校服订单子项
func (s *MergedOrderService) FindFormalItems(ctx context.Context, mergedOrderID int64) ([]*model.MergedOrderItem, error) {
	return s.mergedRepo.FindItems(ctx, mergedOrderID)
}
