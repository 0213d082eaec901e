package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PaymentSuccess string `mapstructure:"payment_success"`
}

// GatewayConfig 第三方支付网关配置
type GatewayConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	DeviceID       string `mapstructure:"device_id"` // 本实例使用的收款终端设备号
	Operator       string `mapstructure:"operator"`  // 预下单时上送的固定操作员标识
	VendorSn       string `mapstructure:"vendor_sn"` // 服务商序列号，仅终端激活使用
	VendorKey      string `mapstructure:"vendor_key"`
	VendorAppID    string `mapstructure:"vendor_app_id"`
	VendorCode     string `mapstructure:"vendor_code"`
	// 回调验签公钥（PEM，允许换行/边界被压平的不规范格式）
	CallbackPublicKey string `mapstructure:"callback_public_key"`
	// 验签失败是否拒绝回调。默认 false：只记录日志继续处理，
	// 幂等迁移本身保证重复/伪造回调不会产生多余的正式订单
	RequireValidSignature bool `mapstructure:"require_valid_signature"`
}

// Timeout 网关 HTTP 超时时间，未配置时取保守默认值 10 秒
func (g *GatewayConfig) Timeout() time.Duration {
	if g.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(g.TimeoutSeconds) * time.Second
}

type BusinessConfig struct {
	MaxRetryCount int    `mapstructure:"max_retry_count"` // 发件箱最大重试次数
	QrcodeDir     string `mapstructure:"qrcode_dir"`      // 本地二维码图片目录
	PublicBaseURL string `mapstructure:"public_base_url"` // 拼接二维码图片外链用
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
