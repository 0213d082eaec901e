package repository

import (
	"context"
	"errors"
	"time"

	"github.com/xuehuage/byzy-server/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTempOrderNotFound = errors.New("临时订单不存在或已过期")
)

// TempOrderRepository 临时合并订单（在途支付暂存区）
type TempOrderRepository struct {
	db *gorm.DB
}

func NewTempOrderRepository(db *gorm.DB) *TempOrderRepository {
	return &TempOrderRepository{db: db}
}

// Exists 检查商户订单号是否已被临时订单占用
func (r *TempOrderRepository) Exists(ctx context.Context, clientSn string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.MergedOrderTemp{}).
		Where("client_sn = ?", clientSn).
		Count(&count).Error
	return count > 0, err
}

// Create 创建临时订单及子项，同一事务内全部成功或全部失败
// 子项批量插入失败时主订单一并回滚，不会留下无子项的临时订单
func (r *TempOrderRepository) Create(ctx context.Context, order *model.MergedOrderTemp, lineOrderIDs []int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}

		if len(lineOrderIDs) == 0 {
			return nil
		}

		items := make([]model.MergedOrderItemTemp, 0, len(lineOrderIDs))
		for _, id := range lineOrderIDs {
			items = append(items, model.MergedOrderItemTemp{
				MergedOrderID:         order.ID,
				StudentUniformOrderID: id,
			})
		}
		return tx.Create(&items).Error
	})
}

// FindByClientSn 按商户订单号查询
// forUpdate 为真时在事务内加排他行锁，让并发迁移串行化；
// sqlite 等不支持 FOR UPDATE 的方言跳过加锁子句
func (r *TempOrderRepository) FindByClientSn(ctx context.Context, tx *gorm.DB, clientSn string, forUpdate bool) (*model.MergedOrderTemp, error) {
	if tx == nil {
		tx = r.db
	}

	query := tx.WithContext(ctx)
	if forUpdate && tx.Dialector.Name() == "mysql" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var order model.MergedOrderTemp
	err := query.Where("client_sn = ?", clientSn).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTempOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// FindItems 查询临时订单子项
func (r *TempOrderRepository) FindItems(ctx context.Context, tx *gorm.DB, mergedOrderID int64) ([]*model.MergedOrderItemTemp, error) {
	if tx == nil {
		tx = r.db
	}
	var items []*model.MergedOrderItemTemp
	err := tx.WithContext(ctx).
		Where("merged_order_id = ?", mergedOrderID).
		Find(&items).Error
	return items, err
}

// UpdateQrCode 预下单成功后回填收款二维码
func (r *TempOrderRepository) UpdateQrCode(ctx context.Context, clientSn, qrCode string) error {
	return r.db.WithContext(ctx).
		Model(&model.MergedOrderTemp{}).
		Where("client_sn = ?", clientSn).
		Update("qr_code", qrCode).Error
}

// Delete 删除临时订单及其子项（迁移成功后调用，必须在迁移事务内）
func (r *TempOrderRepository) Delete(ctx context.Context, tx *gorm.DB, mergedOrderID int64) error {
	if tx == nil {
		tx = r.db
	}
	if err := tx.WithContext(ctx).
		Where("merged_order_id = ?", mergedOrderID).
		Delete(&model.MergedOrderItemTemp{}).Error; err != nil {
		return err
	}
	return tx.WithContext(ctx).
		Where("id = ?", mergedOrderID).
		Delete(&model.MergedOrderTemp{}).Error
}

// DeleteExpired 清理过期且未支付的临时订单，返回清理条数
// 与在途迁移并发执行是安全的：迁移事务先按行锁读临时订单，
// 行被清理任务先删掉时迁移落到"临时订单不存在"的良性结果
func (r *TempOrderRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var expired []*model.MergedOrderTemp
	if err := r.db.WithContext(ctx).
		Select("id").
		Where("expire_at < ?", now).
		Find(&expired).Error; err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(expired))
	for _, o := range expired {
		ids = append(ids, o.ID)
	}

	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("merged_order_id IN ?", ids).
			Delete(&model.MergedOrderItemTemp{}).Error; err != nil {
			return err
		}
		result := tx.Where("id IN ?", ids).Delete(&model.MergedOrderTemp{})
		deleted = result.RowsAffected
		return result.Error
	})
	return deleted, err
}
