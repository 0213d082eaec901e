package model

import (
	"time"
)

// Terminal 收款终端凭证表
// 每台设备一行，激活（或重新激活）时按 device_id 覆盖更新，
// 每次调用第三方网关前都要取出 terminal_sn/terminal_key 用于签名
type Terminal struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	TerminalSn  string     `gorm:"type:varchar(64);not null" json:"terminal_sn"`
	TerminalKey string     `gorm:"type:varchar(64);not null" json:"terminal_key"`
	DeviceID    string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"device_id"`
	ActivatedAt time.Time  `gorm:"not null" json:"activated_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Terminal) TableName() string {
	return "terminals"
}
