package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/xuehuage/byzy-server/internal/config"
	"github.com/xuehuage/byzy-server/internal/model"
	"github.com/xuehuage/byzy-server/internal/repository"
	"github.com/xuehuage/byzy-server/pkg/sign"

	"github.com/go-resty/resty/v2"
)

// ============================================================================
// 第三方扫码支付网关客户端
// ============================================================================
//
// 所有接口都是签过名的 HTTP POST：
//   Authorization: "<sn> <MD5(body+key)大写>"
// 业务接口（预下单/查单）用激活拿到的 terminal_sn/terminal_key 签名，
// 终端激活用配置里的 vendor_sn/vendor_key 签名。
// 每次调用前先取终端凭证，凭证缺失直接报配置错误，不发网络请求。
// ============================================================================

var (
	ErrTerminalNotConfigured = errors.New("终端信息不完整，请先激活终端")
)

const (
	resultCodeOK     = "200"
	precreateSuccess = "PRECREATE_SUCCESS"

	// OrderStatusPaid 查单/回调里表示支付成功的订单状态，
	// 其余状态一律视为"尚未支付"，不区分处理
	OrderStatusPaid = "PAID"

	pathPrecreate = "/upay/v2/precreate"
	pathQuery     = "/upay/v2/query"
	pathActivate  = "/terminal/activate"
)

// GatewayError 第三方返回的业务失败，尽量带上对方的错误文案
type GatewayError struct {
	Path    string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("第三方接口调用失败 [%s]: %s", e.Path, e.Message)
}

// Response 第三方统一响应外壳
type Response struct {
	ResultCode   string       `json:"result_code"`
	ErrorCode    string       `json:"error_code,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	BizResponse  *BizResponse `json:"biz_response,omitempty"`
}

// BizResponse 业务响应（激活接口的凭证字段直接挂在这一层）
type BizResponse struct {
	ResultCode   string   `json:"result_code,omitempty"`
	ErrorCode    string   `json:"error_code,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	TerminalSn   string   `json:"terminal_sn,omitempty"`
	TerminalKey  string   `json:"terminal_key,omitempty"`
	ExpiresAt    string   `json:"expires_at,omitempty"`
	Data         *BizData `json:"data,omitempty"`
}

// BizData 预下单/查单返回的数据体
type BizData struct {
	Sn             string `json:"sn,omitempty"`
	ClientSn       string `json:"client_sn,omitempty"`
	QrCode         string `json:"qr_code,omitempty"`
	QrCodeImageURL string `json:"qr_code_image_url,omitempty"`
	OrderStatus    string `json:"order_status,omitempty"`
	TradeNo        string `json:"trade_no,omitempty"`
	FinishTime     string `json:"finish_time,omitempty"` // 毫秒时间戳字符串
	TotalAmount    string `json:"total_amount,omitempty"`
	Subject        string `json:"subject,omitempty"`
}

// Client 网关客户端
type Client struct {
	http      *resty.Client
	cfg       *config.GatewayConfig
	terminals *repository.TerminalRepository
}

func NewClient(cfg *config.GatewayConfig, terminals *repository.TerminalRepository) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout()),
		cfg:       cfg,
		terminals: terminals,
	}
}

// post 序列化请求体、签名、发送，签名对象就是发出去的那份字节
func (c *Client) post(ctx context.Context, path string, payload interface{}, sn, key string) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", sn+" "+sign.Generate(body, key)).
		SetBody(body).
		Post(path)
	if err != nil {
		return nil, &GatewayError{Path: path, Message: err.Error()}
	}

	var out Response
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, &GatewayError{Path: path, Message: "响应解析失败: " + err.Error()}
	}
	return &out, nil
}

// resolveTerminal 取出当前设备的终端凭证，缺失即配置错误
func (c *Client) resolveTerminal(ctx context.Context) (*model.Terminal, error) {
	terminal, err := c.terminals.FindByDeviceID(ctx, c.cfg.DeviceID)
	if err != nil {
		if errors.Is(err, repository.ErrTerminalNotFound) {
			return nil, ErrTerminalNotConfigured
		}
		return nil, err
	}
	if terminal.TerminalSn == "" || terminal.TerminalKey == "" {
		return nil, ErrTerminalNotConfigured
	}
	return terminal, nil
}

// Precreate 预下单，成功返回含收款二维码的响应
func (c *Client) Precreate(ctx context.Context, clientSn string, totalAmount int64, subject string, payWay int) (*Response, error) {
	terminal, err := c.resolveTerminal(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{
		"terminal_sn":  terminal.TerminalSn,
		"client_sn":    clientSn,
		"total_amount": strconv.FormatInt(totalAmount, 10), // 分，字符串类型
		"payway":       strconv.Itoa(payWay),
		"subject":      subject,
		"operator":     c.cfg.Operator,
	}

	resp, err := c.post(ctx, pathPrecreate, payload, terminal.TerminalSn, terminal.TerminalKey)
	if err != nil {
		return nil, err
	}

	if resp.ResultCode != resultCodeOK || resp.BizResponse == nil || resp.BizResponse.ResultCode != precreateSuccess {
		return nil, &GatewayError{Path: pathPrecreate, Message: providerMessage(resp)}
	}
	return resp, nil
}

// QueryStatus 查询支付状态，原样返回第三方响应
// 不在这里判定订单状态：除 PAID 之外的状态都由调用方当作"尚未支付"
func (c *Client) QueryStatus(ctx context.Context, clientSn string) (*Response, error) {
	terminal, err := c.resolveTerminal(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{
		"terminal_sn": terminal.TerminalSn,
		"client_sn":   clientSn,
	}
	return c.post(ctx, pathQuery, payload, terminal.TerminalSn, terminal.TerminalKey)
}

// Activate 终端激活，用服务商凭证签名
func (c *Client) Activate(ctx context.Context, deviceID string) (*Response, error) {
	if c.cfg.VendorSn == "" || c.cfg.VendorKey == "" {
		return nil, errors.New("未配置 vendor_sn 或 vendor_key")
	}

	payload := map[string]string{
		"app_id":    c.cfg.VendorAppID,
		"code":      c.cfg.VendorCode,
		"device_id": deviceID,
	}

	resp, err := c.post(ctx, pathActivate, payload, c.cfg.VendorSn, c.cfg.VendorKey)
	if err != nil {
		return nil, err
	}
	if resp.ResultCode != resultCodeOK || resp.BizResponse == nil {
		return nil, &GatewayError{Path: pathActivate, Message: providerMessage(resp)}
	}
	return resp, nil
}

func providerMessage(resp *Response) string {
	if resp.BizResponse != nil && resp.BizResponse.ErrorMessage != "" {
		return resp.BizResponse.ErrorMessage
	}
	if resp.ErrorMessage != "" {
		return resp.ErrorMessage
	}
	return "未知错误"
}
