package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xuehuage/byzy-server/internal/infrastructure/gateway"
	"github.com/xuehuage/byzy-server/internal/model"
	"github.com/xuehuage/byzy-server/internal/repository"

	"gorm.io/gorm"
)

// TerminalService 收款终端激活
// 用服务商凭证换取终端凭证并入库，同设备重复激活时覆盖旧凭证
type TerminalService struct {
	terminalRepo *repository.TerminalRepository
	gateway      *gateway.Client
}

func NewTerminalService(db *gorm.DB, gw *gateway.Client) *TerminalService {
	return &TerminalService{
		terminalRepo: repository.NewTerminalRepository(db),
		gateway:      gw,
	}
}

// Activate 激活终端并保存凭证
func (s *TerminalService) Activate(ctx context.Context, deviceID string) (*model.Terminal, error) {
	resp, err := s.gateway.Activate(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	biz := resp.BizResponse
	if biz.TerminalSn == "" || biz.TerminalKey == "" {
		return nil, errors.New("激活响应缺少终端凭证")
	}

	terminal := &model.Terminal{
		TerminalSn:  biz.TerminalSn,
		TerminalKey: biz.TerminalKey,
		DeviceID:    deviceID,
		ActivatedAt: time.Now(),
	}
	if biz.ExpiresAt != "" {
		if t, err := time.ParseInLocation("2006-01-02 15:04:05", biz.ExpiresAt, time.Local); err == nil {
			terminal.ExpiresAt = &t
		}
	}

	if err := s.terminalRepo.Upsert(ctx, terminal); err != nil {
		return nil, fmt.Errorf("保存终端凭证失败: %w", err)
	}
	return terminal, nil
}

// Current 查询当前设备的终端凭证
func (s *TerminalService) Current(ctx context.Context, deviceID string) (*model.Terminal, error) {
	return s.terminalRepo.FindByDeviceID(ctx, deviceID)
}
