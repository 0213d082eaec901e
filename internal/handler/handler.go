package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/xuehuage/byzy-server/internal/config"
	"github.com/xuehuage/byzy-server/internal/infrastructure/gateway"
	"github.com/xuehuage/byzy-server/internal/notifier"
	"github.com/xuehuage/byzy-server/internal/service"
	"github.com/xuehuage/byzy-server/pkg/response"
	"github.com/xuehuage/byzy-server/pkg/sign"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	cfg       *config.Config
	gateway   *gateway.Client
	mergedSvc *service.MergedOrderService
	prepaySvc *service.PrepayService
	notifier  *notifier.Registry
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config, registry *notifier.Registry, gw *gateway.Client) *Handler {
	mergedSvc := service.NewMergedOrderService(db, rdb, cfg)
	return &Handler{
		cfg:       cfg,
		gateway:   gw,
		mergedSvc: mergedSvc,
		prepaySvc: service.NewPrepayService(db, cfg, mergedSvc, gw),
		notifier:  registry,
	}
}

// ============================================================
// 预下单
// ============================================================

// PrepayRequest 预下单请求
type PrepayRequest struct {
	IDCard string `json:"id_card" binding:"required"`
	PayWay int    `json:"pay_way" binding:"required"`
}

// Prepay 学生合并订单预下单
// POST /api/public/prepay
//
// 【关键点】校验必须发生在任何暂存/网关调用之前：
// 非法 pay_way 直接400返回，不产生临时订单也不触发第三方请求
func (h *Handler) Prepay(c *gin.Context) {
	var req PrepayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.prepaySvc.Prepay(c.Request.Context(), req.IDCard, req.PayWay)
	if err != nil {
		h.respondPrepayError(c, err)
		return
	}

	response.Success(c, result)
}

func (h *Handler) respondPrepayError(c *gin.Context, err error) {
	var gwErr *gateway.GatewayError
	switch {
	case errors.Is(err, service.ErrInvalidPayWay):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrStudentNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, service.ErrNoUnpaidOrders):
		response.BusinessError(c, http.StatusBadRequest, response.CodeNoUnpaidOrders, err.Error())
	case errors.Is(err, service.ErrInvalidAmount):
		response.BusinessError(c, http.StatusBadRequest, response.CodeInvalidAmount, err.Error())
	case errors.Is(err, gateway.ErrTerminalNotConfigured):
		response.BusinessError(c, http.StatusInternalServerError, response.CodeTerminalNotReady, err.Error())
	case errors.As(err, &gwErr):
		response.BusinessError(c, http.StatusInternalServerError, response.CodeGatewayError, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// 支付状态轮询（对账入口一）
// ============================================================

// SearchPaymentStatus 查询支付状态
// GET /api/public/payment/status/:client_sn
//
// 第三方报 PAID 时顺手触发迁移；迁移撞上"临时订单不存在"说明
// 回调已经先一步完成迁移，属于预期结果，对调用方透明
func (h *Handler) SearchPaymentStatus(c *gin.Context) {
	clientSn := c.Param("client_sn")
	if clientSn == "" {
		response.ParamError(c, "client_sn 参数不能为空")
		return
	}

	ctx := c.Request.Context()
	resp, err := h.gateway.QueryStatus(ctx, clientSn)
	if err != nil {
		if errors.Is(err, gateway.ErrTerminalNotConfigured) {
			response.BusinessError(c, http.StatusInternalServerError, response.CodeTerminalNotReady, err.Error())
			return
		}
		response.BusinessError(c, http.StatusInternalServerError, response.CodeGatewayError, err.Error())
		return
	}

	if resp.BizResponse != nil && resp.BizResponse.Data != nil &&
		resp.BizResponse.Data.OrderStatus == gateway.OrderStatusPaid {
		// 支付时间用当前时间，流水号尽力从查单响应里取
		err := h.mergedSvc.MigrateToFormal(ctx, clientSn, time.Now(), resp.BizResponse.Data.TradeNo)
		if err != nil && !errors.Is(err, service.ErrTempOrderNotFound) {
			// 用户正在等结果，迁移的真实失败要暴露出去
			response.ServerError(c, err.Error())
			return
		}
	}

	response.Success(c, resp)
}

// ============================================================
// 第三方支付回调（对账入口二）
// ============================================================

// CallbackPayload 第三方回调报文
type CallbackPayload struct {
	ClientSn    string `json:"client_sn"`
	OrderStatus string `json:"order_status"`
	FinishTime  string `json:"finish_time"` // 毫秒时间戳字符串
	TradeNo     string `json:"trade_no"`
	TotalAmount string `json:"total_amount"`
	Subject     string `json:"subject"`
}

// PaymentCallback 第三方支付回调
// POST /api/payment/callback
//
// 【关键点】报文结构合法后必须固定返回 {"result":"SUCCESS"}，
// 哪怕迁移失败也不例外：失败是本端内部问题，回非成功只会招来
// 第三方的重试风暴，而迁移本身幂等，重试不会带来正确性收益
func (h *Handler) PaymentCallback(c *gin.Context) {
	signature := c.GetHeader("Authorization")
	if signature == "" {
		response.ParamError(c, "缺少签名头")
		return
	}

	rawBody, err := c.GetRawData()
	if err != nil || len(rawBody) == 0 {
		response.ParamError(c, "缺少请求体")
		return
	}

	// 验签结果无条件记日志供审计，是否拒绝由配置决定：
	// 默认容忍失败继续处理，信任由后续的幂等迁移重新建立
	verified := h.verifyCallbackSignature(rawBody, signature)
	if h.cfg.Gateway.RequireValidSignature && !verified {
		response.ParamError(c, "签名校验失败")
		return
	}

	var payload CallbackPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		response.ParamError(c, "回调报文解析失败")
		return
	}
	if payload.ClientSn == "" {
		response.ParamError(c, "缺少client_sn")
		return
	}

	if payload.OrderStatus == gateway.OrderStatusPaid {
		payTime := parseFinishTime(payload.FinishTime)
		err := h.mergedSvc.MigrateToFormal(c.Request.Context(), payload.ClientSn, payTime, payload.TradeNo)
		switch {
		case err == nil:
			delivered := h.notifier.Notify(payload.ClientSn, gin.H{
				"client_sn":    payload.ClientSn,
				"total_amount": payload.TotalAmount,
				"subject":      payload.Subject,
				"trade_no":     payload.TradeNo,
			})
			if !delivered {
				log.Printf("[Callback] 客户端不在线，跳过推送: clientSn=%s", payload.ClientSn)
			}
		case errors.Is(err, service.ErrTempOrderNotFound):
			// 重复回调或轮询已完成迁移，预期之内
			log.Printf("[Callback] 订单已处理: clientSn=%s", payload.ClientSn)
		default:
			log.Printf("[Callback] 订单迁移失败: clientSn=%s, err=%v", payload.ClientSn, err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"result": "SUCCESS"})
}

// verifyCallbackSignature 验签并记录结果，返回是否通过
func (h *Handler) verifyCallbackSignature(rawBody []byte, signature string) bool {
	publicKey := h.cfg.Gateway.CallbackPublicKey
	if publicKey == "" {
		log.Printf("[Callback] 未配置回调公钥，跳过验签")
		return false
	}
	if err := sign.VerifyCallback(rawBody, signature, publicKey); err != nil {
		log.Printf("[Callback] 验签未通过: %v", err)
		return false
	}
	log.Printf("[Callback] 验签通过")
	return true
}

// parseFinishTime 解析毫秒时间戳，不可解析时退回当前时间
func parseFinishTime(finishTime string) time.Time {
	if finishTime == "" {
		return time.Now()
	}
	millis, err := strconv.ParseInt(finishTime, 10, 64)
	if err != nil || millis <= 0 {
		return time.Now()
	}
	return time.UnixMilli(millis)
}

// ============================================================
// 公开查询
// ============================================================

// QueryOrder 按商户订单号查询合并订单（本地视角，不访问网关）
// GET /api/public/orders/:client_sn
//
// 先查正式表：已迁移即支付成功；没有再查临时表：在途待支付。
// 两边都查不到视为不存在（从未创建，或超时已被清理）
func (h *Handler) QueryOrder(c *gin.Context) {
	clientSn := c.Param("client_sn")
	if clientSn == "" {
		response.ParamError(c, "client_sn 参数不能为空")
		return
	}

	ctx := c.Request.Context()
	formal, err := h.mergedSvc.GetFormalByClientSn(ctx, clientSn)
	switch {
	case err == nil:
		items, err := h.mergedSvc.FindFormalItems(ctx, formal.ID)
		if err != nil {
			response.ServerError(c, err.Error())
			return
		}
		response.Success(c, gin.H{"order": formal, "items": items})
		return
	case !errors.Is(err, service.ErrMergedOrderNotFound):
		response.ServerError(c, err.Error())
		return
	}

	temp, err := h.mergedSvc.FindTempByClientSn(ctx, clientSn)
	if err != nil {
		if errors.Is(err, service.ErrTempOrderNotFound) {
			response.NotFound(c, "订单不存在或已过期")
			return
		}
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"order": temp})
}

// QueryStudent 按身份证号查询学生及校服订单
// GET /api/public/students/query-by-idcard/:id_card
func (h *Handler) QueryStudent(c *gin.Context) {
	idCard := c.Param("id_card")
	if idCard == "" {
		response.ParamError(c, "id_card 参数不能为空")
		return
	}

	student, orders, err := h.prepaySvc.GetStudentWithOrders(c.Request.Context(), idCard)
	if err != nil {
		if errors.Is(err, service.ErrStudentNotFound) {
			response.NotFound(c, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"student": student,
		"orders":  orders,
	})
}
