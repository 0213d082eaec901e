package idgen

import (
	"fmt"
	"math/rand"
	"time"
)

// ============================================================================
// 商户订单号（client_sn）生成
// ============================================================================
//
// 格式：ORD + 毫秒时间戳 + 4位随机数，例如 ORD17040672000001234，
// 约20字节，满足第三方 client_sn ≤ 32 字节的要求。
//
// 这里只负责生成候选值；全局唯一性由调用方对临时表和正式表
// 双表查重后重试保证（一个值可能已被并发请求迁移进正式表）。
// ============================================================================

// GenerateClientSn 生成一个商户订单号候选值
func GenerateClientSn() string {
	return GenerateClientSnAt(time.Now(), rand.Intn(10000))
}

// GenerateClientSnAt 按给定时间和随机数生成候选值，便于测试打桩
func GenerateClientSnAt(now time.Time, r int) string {
	return fmt.Sprintf("ORD%d%04d", now.UnixMilli(), r%10000)
}
