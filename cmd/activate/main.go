package main

import (
	"context"
	"flag"
	"log"

	"github.com/xuehuage/byzy-server/internal/config"
	"github.com/xuehuage/byzy-server/internal/infrastructure/database"
	"github.com/xuehuage/byzy-server/internal/infrastructure/gateway"
	"github.com/xuehuage/byzy-server/internal/repository"
	"github.com/xuehuage/byzy-server/internal/service"
)

// 终端激活工具：用服务商凭证向支付网关激活收款终端，
// 换到的终端序列号和密钥落库后，预下单和回调验签才可用
func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	deviceID := flag.String("device", "", "设备号，默认取配置中的 gateway.device_id")
	show := flag.Bool("show", false, "只查看当前终端凭证，不发起激活")
	flag.Parse()

	cfg := config.LoadConfig(*configPath)

	id := *deviceID
	if id == "" {
		id = cfg.Gateway.DeviceID
	}
	if id == "" {
		log.Fatal("未指定设备号：使用 -device 参数或配置 gateway.device_id")
	}

	db := database.InitMySQL(&cfg.MySQL)

	gw := gateway.NewClient(&cfg.Gateway, repository.NewTerminalRepository(db))
	terminalSvc := service.NewTerminalService(db, gw)

	if *show {
		terminal, err := terminalSvc.Current(context.Background(), id)
		if err != nil {
			log.Fatalf("查询终端凭证失败: %v", err)
		}
		log.Printf("终端凭证: deviceID=%s, terminalSn=%s, activatedAt=%s",
			terminal.DeviceID, terminal.TerminalSn, terminal.ActivatedAt.Format("2006-01-02 15:04:05"))
		if terminal.ExpiresAt != nil {
			log.Printf("凭证有效期至: %s", terminal.ExpiresAt.Format("2006-01-02 15:04:05"))
		}
		return
	}

	terminal, err := terminalSvc.Activate(context.Background(), id)
	if err != nil {
		log.Fatalf("终端激活失败: %v", err)
	}

	log.Printf("终端激活成功: deviceID=%s, terminalSn=%s", terminal.DeviceID, terminal.TerminalSn)
	if terminal.ExpiresAt != nil {
		log.Printf("凭证有效期至: %s", terminal.ExpiresAt.Format("2006-01-02 15:04:05"))
	}
}
