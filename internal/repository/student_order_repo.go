package repository

import (
	"context"
	"errors"
	"time"

	"github.com/xuehuage/byzy-server/internal/model"

	"gorm.io/gorm"
)

var (
	ErrStudentNotFound = errors.New("未找到学生信息")
)

// StudentOrderRepository 学生及原始校服订单的只读+改状态入口
// 支付核心对学生订单子系统的全部依赖就是这几个窄接口
type StudentOrderRepository struct {
	db *gorm.DB
}

func NewStudentOrderRepository(db *gorm.DB) *StudentOrderRepository {
	return &StudentOrderRepository{db: db}
}

// FindStudentByIDCard 按身份证号查询学生
func (r *StudentOrderRepository) FindStudentByIDCard(ctx context.Context, idCard string) (*model.Student, error) {
	var student model.Student
	err := r.db.WithContext(ctx).Where("id_card = ?", idCard).First(&student).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStudentNotFound
		}
		return nil, err
	}
	return &student, nil
}

// FindOrdersByStudentID 查询学生的全部校服订单
func (r *StudentOrderRepository) FindOrdersByStudentID(ctx context.Context, studentID int64) ([]*model.StudentUniformOrder, error) {
	var orders []*model.StudentUniformOrder
	err := r.db.WithContext(ctx).
		Where("student_id = ?", studentID).
		Order("created_at ASC").
		Find(&orders).Error
	return orders, err
}

// FindUnpaidByStudentID 查询学生的未付款校服订单
func (r *StudentOrderRepository) FindUnpaidByStudentID(ctx context.Context, studentID int64) ([]*model.StudentUniformOrder, error) {
	var orders []*model.StudentUniformOrder
	err := r.db.WithContext(ctx).
		Where("student_id = ? AND payment_status = ?", studentID, model.PaymentStatusUnpaid).
		Order("created_at ASC").
		Find(&orders).Error
	return orders, err
}

// MarkPaid 在迁移事务内把原始订单置为已付款
func (r *StudentOrderRepository) MarkPaid(ctx context.Context, tx *gorm.DB, orderIDs []int64, payTime time.Time) error {
	if len(orderIDs) == 0 {
		return nil
	}
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.StudentUniformOrder{}).
		Where("id IN ?", orderIDs).
		Updates(map[string]interface{}{
			"payment_status": model.PaymentStatusPaid,
			"payment_time":   payTime,
		}).Error
}
