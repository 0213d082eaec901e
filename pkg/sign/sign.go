package sign

import (
	"crypto"
	"crypto/md5"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ============================================================================
// 第三方网关签名 / 验签
// ============================================================================
//
// 出站请求：MD5(请求体原始字节 + 密钥)，32位大写十六进制。
// 必须对实际发送的字节签名，签名后不允许再次序列化请求体。
//
// 入站回调：第三方用私钥对原始请求体做 SHA256withRSA 签名，
// 签名经 base64 放在 Authorization 头里，本端用其公钥验签。
// ============================================================================

var (
	ErrInvalidPublicKey = errors.New("公钥格式不合法")
)

// Generate 生成出站请求签名
// body 是即将发送的请求体原始字节，key 为 vendor_key 或 terminal_key
func Generate(body []byte, key string) string {
	h := md5.Sum(append(append([]byte{}, body...), []byte(key)...))
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

// 匹配各种残缺的 PEM 边界标记（横线数量不对、BEGIN/END 拼在一行等）
var pemMarkerPattern = regexp.MustCompile(`-+\s*(BEGIN|END)[^-]*-+`)

// NormalizePublicKeyPEM 把不规范的公钥文本整理成严格 PEM
// 第三方下发的公钥常见问题：边界横线缺失、换行被压平成一行。
// 处理方式：剥掉所有旧边界标记和空白，按64列重新折行，
// 再套上规范的 BEGIN/END PUBLIC KEY 边界
func NormalizePublicKeyPEM(raw string) string {
	s := pemMarkerPattern.ReplaceAllString(strings.TrimSpace(raw), "")
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString("-----BEGIN PUBLIC KEY-----\n")
	for len(s) > 64 {
		b.WriteString(s[:64])
		b.WriteByte('\n')
		s = s[64:]
	}
	b.WriteString(s)
	b.WriteByte('\n')
	b.WriteString("-----END PUBLIC KEY-----\n")
	return b.String()
}

// VerifyCallback 校验第三方回调签名
// rawBody 必须是收到的原始请求字节，signatureB64 取自 Authorization 头。
// 只返回错误不抛异常，是否允许验签失败后继续处理由调用方决定
func VerifyCallback(rawBody []byte, signatureB64 string, publicKeyPEM string) error {
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureB64))
	if err != nil {
		return fmt.Errorf("签名不是合法的base64: %w", err)
	}

	block, _ := pem.Decode([]byte(NormalizePublicKeyPEM(publicKeyPEM)))
	if block == nil {
		return ErrInvalidPublicKey
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("解析公钥失败: %w", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return ErrInvalidPublicKey
	}

	digest := sha256.Sum256(rawBody)
	if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("验签失败: %w", err)
	}
	return nil
}
