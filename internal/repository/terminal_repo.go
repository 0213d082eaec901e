package repository

import (
	"context"
	"errors"

	"github.com/xuehuage/byzy-server/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTerminalNotFound = errors.New("终端未激活")
)

type TerminalRepository struct {
	db *gorm.DB
}

func NewTerminalRepository(db *gorm.DB) *TerminalRepository {
	return &TerminalRepository{db: db}
}

// FindByDeviceID 查询设备对应的终端凭证
func (r *TerminalRepository) FindByDeviceID(ctx context.Context, deviceID string) (*model.Terminal, error) {
	var terminal model.Terminal
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&terminal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTerminalNotFound
		}
		return nil, err
	}
	return &terminal, nil
}

// Upsert 保存激活结果，设备已存在时覆盖凭证
func (r *TerminalRepository) Upsert(ctx context.Context, terminal *model.Terminal) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"terminal_sn", "terminal_key", "activated_at", "expires_at", "updated_at",
		}),
	}).Create(terminal).Error
}
