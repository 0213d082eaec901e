package model

import (
	"time"
)

const (
	PaymentStatusUnpaid = 0 // 未付款
	PaymentStatusPaid   = 1 // 已付款
)

// Student 学生表（支付核心只读，按身份证号定位学生）
type Student struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"type:varchar(64);not null" json:"name"`
	IDCard    string    `gorm:"column:id_card;type:varchar(18);uniqueIndex;not null" json:"id_card"`
	ClassID   int64     `gorm:"index" json:"class_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Student) TableName() string {
	return "students"
}

// StudentUniformOrder 学生校服购买订单（原始子订单）
// 归学生订单子系统所有，支付核心只读取未付款订单并在迁移事务中置为已付款
type StudentUniformOrder struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	StudentID     int64      `gorm:"index;not null" json:"student_id"`
	UniformName   string     `gorm:"type:varchar(64);not null" json:"uniform_name"` // 校服名称（冬装/夏装等）
	Quantity      int        `gorm:"not null" json:"quantity"`
	Size          string     `gorm:"type:varchar(16);not null" json:"size"`
	TotalAmount   int64      `gorm:"not null" json:"total_amount"` // 金额，单位分
	PaymentStatus int        `gorm:"index;not null;default:0" json:"payment_status"`
	PaymentTime   *time.Time `json:"payment_time"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (StudentUniformOrder) TableName() string {
	return "student_uniform_orders"
}
