package model

import (
	"time"
)

// ============================================================================
// 合并订单状态 / 支付方式常量
// ============================================================================

const (
	// 临时合并订单只有 CREATED 一种状态：
	// 支付成功后整行迁移到正式表并删除，超时则由清理任务回收
	TempOrderStatusCreated = "CREATED"

	MergedOrderStatusPaid     = "PAID"
	MergedOrderStatusRefunded = "REFUNDED"
)

const (
	PayWayAlipay = 2 // 支付宝
	PayWayWechat = 3 // 微信
)

// IsValidPayWay 校验支付方式是否合法
func IsValidPayWay(payWay int) bool {
	return payWay == PayWayAlipay || payWay == PayWayWechat
}

// 临时订单有效期与清理周期
const (
	TempOrderTTL = 30 * time.Minute
)

// MergedOrderTemp 临时合并订单表
// 一次支付尝试把学生的 N 笔未付款校服订单合并为一笔第三方交易，
// client_sn 是贯穿整个支付流程的幂等键（临时表与正式表联合唯一）
type MergedOrderTemp struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ClientSn    string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"client_sn"` // 商户订单号，≤32字节
	StudentID   int64     `gorm:"index;not null" json:"student_id"`
	TotalAmount int64     `gorm:"not null" json:"total_amount"` // 金额，单位分
	PayWay      int       `gorm:"not null" json:"payway"`       // 2=支付宝 3=微信
	Subject     string    `gorm:"type:varchar(256);not null" json:"subject"`
	QrCode      *string   `gorm:"type:varchar(512)" json:"qr_code"` // 预下单成功后回填
	Operator    string    `gorm:"type:varchar(32);not null" json:"operator"`
	Status      string    `gorm:"type:varchar(20);not null;default:CREATED" json:"status"`
	ExpireAt    time.Time `gorm:"index;not null" json:"expire_at"` // 创建时间+30分钟
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (MergedOrderTemp) TableName() string {
	return "merged_orders_temp"
}

// MergedOrderItemTemp 临时合并订单子项
// 纯关联行，随父订单一起创建、一起删除
type MergedOrderItemTemp struct {
	ID                    int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MergedOrderID         int64     `gorm:"uniqueIndex:uk_temp_item;not null" json:"merged_order_id"`
	StudentUniformOrderID int64     `gorm:"uniqueIndex:uk_temp_item;not null" json:"student_uniform_order_id"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (MergedOrderItemTemp) TableName() string {
	return "merged_order_items_temp"
}

// MergedOrder 正式合并订单表
// 支付成功的永久记录，每个 client_sn 只会由迁移事务创建一次
type MergedOrder struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ClientSn      string     `gorm:"type:varchar(32);uniqueIndex;not null" json:"client_sn"`
	StudentID     int64      `gorm:"index;not null" json:"student_id"`
	TotalAmount   int64      `gorm:"not null" json:"total_amount"` // 金额，单位分
	PayWay        int        `gorm:"not null" json:"payway"`
	Subject       string     `gorm:"type:varchar(256);not null" json:"subject"`
	QrCode        *string    `gorm:"type:varchar(512)" json:"qr_code"`
	Operator      string     `gorm:"type:varchar(32);not null" json:"operator"`
	Status        string     `gorm:"type:varchar(20);index;not null" json:"status"`
	PaidAt        time.Time  `gorm:"not null" json:"paid_at"`
	TransactionID *string    `gorm:"type:varchar(64)" json:"transaction_id"` // 第三方流水号，可能缺失
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (MergedOrder) TableName() string {
	return "merged_orders"
}

// MergedOrderItem 正式合并订单子项，迁移时从临时子项复制
type MergedOrderItem struct {
	ID                    int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MergedOrderID         int64     `gorm:"index;not null" json:"merged_order_id"`
	StudentUniformOrderID int64     `gorm:"index;not null" json:"student_uniform_order_id"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (MergedOrderItem) TableName() string {
	return "merged_order_items"
}
