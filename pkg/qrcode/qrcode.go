package qrcode

import (
	"fmt"
	"os"
	"path/filepath"

	qrc "github.com/skip2/go-qrcode"
)

// GeneratePaymentQrcode 把第三方返回的收款码内容渲染成本地PNG
// 图片放在静态目录下由 /qrcodes 路由直接访问，返回相对路径；
// 渲染失败只影响图片外链，不影响支付流程本身
func GeneratePaymentQrcode(dir, clientSn, content string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建二维码目录失败: %w", err)
	}

	filename := clientSn + ".png"
	// 高容错率，收银台屏幕反光时仍可识别
	if err := qrc.WriteFile(content, qrc.High, 300, filepath.Join(dir, filename)); err != nil {
		return "", fmt.Errorf("生成二维码失败: %w", err)
	}

	return "/qrcodes/" + filename, nil
}
