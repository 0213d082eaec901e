package repository

import (
	"context"
	"errors"

	"github.com/xuehuage/byzy-server/internal/model"

	"gorm.io/gorm"
)

var (
	ErrMergedOrderNotFound = errors.New("合并订单不存在")
)

// MergedOrderRepository 正式合并订单（支付成功的永久记录）
type MergedOrderRepository struct {
	db *gorm.DB
}

func NewMergedOrderRepository(db *gorm.DB) *MergedOrderRepository {
	return &MergedOrderRepository{db: db}
}

// Exists 检查商户订单号是否已被正式订单占用
// 生成 client_sn 时必须与临时表一起双表查重：
// 候选值可能刚刚被并发请求迁移进正式表
func (r *MergedOrderRepository) Exists(ctx context.Context, clientSn string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.MergedOrder{}).
		Where("client_sn = ?", clientSn).
		Count(&count).Error
	return count > 0, err
}

// Create 在迁移事务内创建正式订单
func (r *MergedOrderRepository) Create(ctx context.Context, tx *gorm.DB, order *model.MergedOrder) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(order).Error
}

// CreateItems 在迁移事务内批量创建正式订单子项
func (r *MergedOrderRepository) CreateItems(ctx context.Context, tx *gorm.DB, items []model.MergedOrderItem) error {
	if len(items) == 0 {
		return nil
	}
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(&items).Error
}

// GetByClientSn 按商户订单号查询正式订单
func (r *MergedOrderRepository) GetByClientSn(ctx context.Context, clientSn string) (*model.MergedOrder, error) {
	var order model.MergedOrder
	err := r.db.WithContext(ctx).Where("client_sn = ?", clientSn).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMergedOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// FindItems 查询正式订单子项
func (r *MergedOrderRepository) FindItems(ctx context.Context, mergedOrderID int64) ([]*model.MergedOrderItem, error) {
	var items []*model.MergedOrderItem
	err := r.db.WithContext(ctx).
		Where("merged_order_id = ?", mergedOrderID).
		Find(&items).Error
	return items, err
}
