package handler

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xuehuage/byzy-server/internal/config"
	"github.com/xuehuage/byzy-server/internal/infrastructure/database"
	"github.com/xuehuage/byzy-server/internal/infrastructure/gateway"
	"github.com/xuehuage/byzy-server/internal/model"
	"github.com/xuehuage/byzy-server/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	router     *gin.Engine
	db         *gorm.DB
	cfg        *config.Config
	gatewayHit *int64 // 网关收到的请求数
}

// newTestEnv 起一套完整测试环境：内存数据库、已激活终端、
// 指向本地桩服务的网关配置，然后走真实路由
func newTestEnv(t *testing.T, gatewayStub http.HandlerFunc) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("打开内存数据库失败: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("建表失败: %v", err)
	}

	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		if gatewayStub != nil {
			gatewayStub(w, r)
			return
		}
		http.Error(w, "unexpected gateway request", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	cfg := &config.Config{}
	cfg.Gateway.BaseURL = server.URL
	cfg.Gateway.TimeoutSeconds = 5
	cfg.Gateway.DeviceID = "byzy-device-01"
	cfg.Gateway.Operator = "byzy_fyh"
	cfg.Kafka.Topic.PaymentSuccess = "payment.success"
	cfg.Business.QrcodeDir = t.TempDir()

	// 预置已激活终端
	if err := db.Create(&model.Terminal{
		TerminalSn:  "100089890007956",
		TerminalKey: "terminal-secret",
		DeviceID:    "byzy-device-01",
		ActivatedAt: time.Now(),
	}).Error; err != nil {
		t.Fatalf("预置终端失败: %v", err)
	}

	return &testEnv{
		router:     SetupRouter(db, nil, cfg),
		db:         db,
		cfg:        cfg,
		gatewayHit: &hits,
	}
}

func (e *testEnv) seedStudent(t *testing.T) (*model.Student, []int64) {
	t.Helper()
	student := &model.Student{Name: "李四", IDCard: "110101201001011234"}
	if err := e.db.Create(student).Error; err != nil {
		t.Fatalf("插入学生失败: %v", err)
	}
	orders := []model.StudentUniformOrder{
		{StudentID: student.ID, UniformName: "冬装", Quantity: 1, Size: "150", TotalAmount: 5000},
		{StudentID: student.ID, UniformName: "夏装", Quantity: 2, Size: "150", TotalAmount: 3000},
	}
	if err := e.db.Create(&orders).Error; err != nil {
		t.Fatalf("插入校服订单失败: %v", err)
	}
	return student, []int64{orders[0].ID, orders[1].ID}
}

// seedTempOrder 直接走服务层创建待支付临时订单，返回 client_sn
func (e *testEnv) seedTempOrder(t *testing.T) string {
	t.Helper()
	student, lineOrderIDs := e.seedStudent(t)
	svc := service.NewMergedOrderService(e.db, nil, e.cfg)
	clientSn, err := svc.CreateTempOrder(context.Background(), student.ID, 8000, model.PayWayWechat, "校服合并订单", lineOrderIDs)
	if err != nil {
		t.Fatalf("创建临时订单失败: %v", err)
	}
	return clientSn
}

func (e *testEnv) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) (int, map[string]interface{}) {
	t.Helper()
	var envelope struct {
		Code int                    `json:"code"`
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("响应解析失败: %v, body=%s", err, w.Body.String())
	}
	return envelope.Code, envelope.Data
}

// ============================================================
// 预下单
// ============================================================

// 非法支付方式必须在任何暂存/网关调用之前被拦下
func TestPrepayInvalidPayWay(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedStudent(t)

	w := env.do("POST", "/api/public/prepay",
		[]byte(`{"id_card":"110101201001011234","pay_way":5}`), nil)

	if w.Code != http.StatusBadRequest {
		t.Errorf("状态码 = %d, 期望 400", w.Code)
	}
	if n := atomic.LoadInt64(env.gatewayHit); n != 0 {
		t.Errorf("网关收到 %d 次请求，期望 0", n)
	}
	var tempCount int64
	env.db.Model(&model.MergedOrderTemp{}).Count(&tempCount)
	if tempCount != 0 {
		t.Errorf("产生了 %d 条临时订单，期望 0", tempCount)
	}
}

func TestPrepaySuccess(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(gateway.Response{
			ResultCode: "200",
			BizResponse: &gateway.BizResponse{
				ResultCode: "PRECREATE_SUCCESS",
				Data: &gateway.BizData{
					Sn:             "7894259244067252",
					QrCode:         "https://qr.example.com/pay/x",
					QrCodeImageURL: "https://qr.example.com/pay/x.png",
				},
			},
		})
	})
	env.seedStudent(t)

	w := env.do("POST", "/api/public/prepay",
		[]byte(`{"id_card":"110101201001011234","pay_way":3}`), nil)

	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, body=%s", w.Code, w.Body.String())
	}
	code, data := decodeEnvelope(t, w)
	if code != 0 {
		t.Errorf("业务码 = %d", code)
	}
	// 响应金额为元
	if data["total_amount"] != 80.0 {
		t.Errorf("total_amount = %v, 期望 80", data["total_amount"])
	}
	if data["qr_code"] != "https://qr.example.com/pay/x" {
		t.Errorf("qr_code = %v", data["qr_code"])
	}

	// 二维码已回写到临时订单
	var temp model.MergedOrderTemp
	if err := env.db.Where("client_sn = ?", data["client_sn"]).First(&temp).Error; err != nil {
		t.Fatalf("临时订单未创建: %v", err)
	}
	if temp.QrCode == nil || *temp.QrCode == "" {
		t.Error("临时订单二维码未回写")
	}
	if temp.TotalAmount != 8000 {
		t.Errorf("临时订单金额 = %d 分, 期望 8000", temp.TotalAmount)
	}
}

func TestPrepayStudentNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do("POST", "/api/public/prepay",
		[]byte(`{"id_card":"999999999999999999","pay_way":2}`), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("状态码 = %d, 期望 404", w.Code)
	}
}

func TestPrepayNoUnpaidOrders(t *testing.T) {
	env := newTestEnv(t, nil)
	student, lineOrderIDs := env.seedStudent(t)
	now := time.Now()
	env.db.Model(&model.StudentUniformOrder{}).
		Where("id IN ?", lineOrderIDs).
		Updates(map[string]interface{}{"payment_status": model.PaymentStatusPaid, "payment_time": now})
	_ = student

	w := env.do("POST", "/api/public/prepay",
		[]byte(`{"id_card":"110101201001011234","pay_way":2}`), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("状态码 = %d, 期望 400", w.Code)
	}
	code, _ := decodeEnvelope(t, w)
	if code != 1001 {
		t.Errorf("业务码 = %d, 期望 1001", code)
	}
}

// ============================================================
// 回调
// ============================================================

func callbackBody(clientSn, status, finishTime string) []byte {
	body, _ := json.Marshal(map[string]string{
		"client_sn":    clientSn,
		"order_status": status,
		"finish_time":  finishTime,
		"trade_no":     "4200001234202603011234567890",
		"total_amount": "8000",
		"subject":      "校服合并订单",
	})
	return body
}

func TestCallbackStructuralErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	auth := map[string]string{"Authorization": "sig-placeholder"}

	// 缺少签名头
	if w := env.do("POST", "/api/payment/callback", callbackBody("x", "PAID", ""), nil); w.Code != http.StatusBadRequest {
		t.Errorf("缺少签名头: 状态码 = %d, 期望 400", w.Code)
	}
	// 空请求体
	if w := env.do("POST", "/api/payment/callback", nil, auth); w.Code != http.StatusBadRequest {
		t.Errorf("空请求体: 状态码 = %d, 期望 400", w.Code)
	}
	// 非法 JSON
	if w := env.do("POST", "/api/payment/callback", []byte("{broken"), auth); w.Code != http.StatusBadRequest {
		t.Errorf("非法JSON: 状态码 = %d, 期望 400", w.Code)
	}
	// 缺少 client_sn
	if w := env.do("POST", "/api/payment/callback", callbackBody("", "PAID", ""), auth); w.Code != http.StatusBadRequest {
		t.Errorf("缺少client_sn: 状态码 = %d, 期望 400", w.Code)
	}
}

func TestCallbackPaidMigrates(t *testing.T) {
	env := newTestEnv(t, nil)
	clientSn := env.seedTempOrder(t)

	finishMillis := time.Date(2026, 3, 1, 10, 30, 0, 0, time.Local).UnixMilli()
	w := env.do("POST", "/api/payment/callback",
		callbackBody(clientSn, "PAID", strconv.FormatInt(finishMillis, 10)),
		map[string]string{"Authorization": "sig-placeholder"})

	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, body=%s", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"result":"SUCCESS"}` {
		t.Errorf("响应体 = %s", w.Body.String())
	}

	var formal model.MergedOrder
	if err := env.db.Where("client_sn = ?", clientSn).First(&formal).Error; err != nil {
		t.Fatalf("正式订单未创建: %v", err)
	}
	if formal.PaidAt.UnixMilli() != finishMillis {
		t.Errorf("支付时间 = %v, 期望取自 finish_time", formal.PaidAt)
	}
	if formal.TransactionID == nil || *formal.TransactionID != "4200001234202603011234567890" {
		t.Errorf("流水号未保存: %v", formal.TransactionID)
	}
}

// finish_time 不可解析时以收到回调的时间为准，迁移照常进行
func TestCallbackUnparsableFinishTime(t *testing.T) {
	env := newTestEnv(t, nil)
	clientSn := env.seedTempOrder(t)

	before := time.Now()
	w := env.do("POST", "/api/payment/callback",
		callbackBody(clientSn, "PAID", "2026-03-01 10:30:00"),
		map[string]string{"Authorization": "sig-placeholder"})
	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d", w.Code)
	}

	var formal model.MergedOrder
	if err := env.db.Where("client_sn = ?", clientSn).First(&formal).Error; err != nil {
		t.Fatalf("正式订单未创建: %v", err)
	}
	if formal.PaidAt.Before(before.Add(-time.Second)) || formal.PaidAt.After(time.Now().Add(time.Second)) {
		t.Errorf("支付时间 = %v, 期望回退为当前时间", formal.PaidAt)
	}
}

// 未知订单的回调（重复回调/超时被清理后迟到）仍回 SUCCESS 且不产生数据
func TestCallbackUnknownOrder(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do("POST", "/api/payment/callback",
		callbackBody("ORD99999999999999999", "PAID", ""),
		map[string]string{"Authorization": "sig-placeholder"})

	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, 期望 200", w.Code)
	}
	if w.Body.String() != `{"result":"SUCCESS"}` {
		t.Errorf("响应体 = %s", w.Body.String())
	}
	var formalCount int64
	env.db.Model(&model.MergedOrder{}).Count(&formalCount)
	if formalCount != 0 {
		t.Errorf("不应产生正式订单: %d", formalCount)
	}
}

// 非 PAID 状态的回调只回 SUCCESS，不触发迁移
func TestCallbackNotPaid(t *testing.T) {
	env := newTestEnv(t, nil)
	clientSn := env.seedTempOrder(t)

	w := env.do("POST", "/api/payment/callback",
		callbackBody(clientSn, "CANCELED", ""),
		map[string]string{"Authorization": "sig-placeholder"})
	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d", w.Code)
	}

	var tempCount int64
	env.db.Model(&model.MergedOrderTemp{}).Count(&tempCount)
	if tempCount != 1 {
		t.Errorf("临时订单数 = %d, 非支付成功回调不应迁移", tempCount)
	}
}

// 开启强制验签后：坏签名被拒，真签名放行
func TestCallbackSignatureEnforced(t *testing.T) {
	env := newTestEnv(t, nil)
	clientSn := env.seedTempOrder(t)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	env.cfg.Gateway.CallbackPublicKey = string(pubPEM)
	env.cfg.Gateway.RequireValidSignature = true

	body := callbackBody(clientSn, "PAID", "")

	// 坏签名
	w := env.do("POST", "/api/payment/callback", body,
		map[string]string{"Authorization": base64.StdEncoding.EncodeToString([]byte("forged"))})
	if w.Code != http.StatusBadRequest {
		t.Errorf("坏签名: 状态码 = %d, 期望 400", w.Code)
	}
	var formalCount int64
	env.db.Model(&model.MergedOrder{}).Count(&formalCount)
	if formalCount != 0 {
		t.Error("坏签名不应触发迁移")
	}

	// 真签名
	digest := sha256.Sum256(body)
	sigBytes, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}
	w = env.do("POST", "/api/payment/callback", body,
		map[string]string{"Authorization": base64.StdEncoding.EncodeToString(sigBytes)})
	if w.Code != http.StatusOK {
		t.Fatalf("真签名: 状态码 = %d, body=%s", w.Code, w.Body.String())
	}
	env.db.Model(&model.MergedOrder{}).Count(&formalCount)
	if formalCount != 1 {
		t.Errorf("正式订单数 = %d, 期望 1", formalCount)
	}
}

// ============================================================
// 轮询
// ============================================================

// 轮询查到 PAID 时顺手完成迁移
func TestSearchPaymentStatusPaidMigrates(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(gateway.Response{
			ResultCode: "200",
			BizResponse: &gateway.BizResponse{
				ResultCode: "SUCCESS",
				Data: &gateway.BizData{
					OrderStatus: gateway.OrderStatusPaid,
					TradeNo:     "trade-poll-1",
				},
			},
		})
	})
	clientSn := env.seedTempOrder(t)

	w := env.do("GET", "/api/public/payment/status/"+clientSn, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, body=%s", w.Code, w.Body.String())
	}

	var formal model.MergedOrder
	if err := env.db.Where("client_sn = ?", clientSn).First(&formal).Error; err != nil {
		t.Fatalf("轮询未触发迁移: %v", err)
	}
	if formal.TransactionID == nil || *formal.TransactionID != "trade-poll-1" {
		t.Errorf("流水号 = %v", formal.TransactionID)
	}

	// 再轮询一次：迁移已完成，接口仍正常返回
	w = env.do("GET", "/api/public/payment/status/"+clientSn, nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("重复轮询状态码 = %d", w.Code)
	}
	var formalCount int64
	env.db.Model(&model.MergedOrder{}).Where("client_sn = ?", clientSn).Count(&formalCount)
	if formalCount != 1 {
		t.Errorf("正式订单数 = %d, 期望 1", formalCount)
	}
}

// 未支付状态只透传响应，不触发迁移
func TestSearchPaymentStatusCreated(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(gateway.Response{
			ResultCode: "200",
			BizResponse: &gateway.BizResponse{
				ResultCode: "SUCCESS",
				Data:       &gateway.BizData{OrderStatus: "CREATED"},
			},
		})
	})
	clientSn := env.seedTempOrder(t)

	w := env.do("GET", "/api/public/payment/status/"+clientSn, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d", w.Code)
	}
	var formalCount int64
	env.db.Model(&model.MergedOrder{}).Count(&formalCount)
	if formalCount != 0 {
		t.Errorf("未支付不应迁移: %d", formalCount)
	}
}

// ============================================================
// 订单查询
// ============================================================

// 本地订单查询：在途返回临时订单，迁移后返回正式订单及子项，
// 两边都没有返回404
func TestQueryOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	clientSn := env.seedTempOrder(t)

	w := env.do("GET", "/api/public/orders/"+clientSn, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("在途订单查询状态码 = %d", w.Code)
	}
	_, data := decodeEnvelope(t, w)
	order, ok := data["order"].(map[string]interface{})
	if !ok {
		t.Fatalf("响应缺少订单: %v", data)
	}
	if order["status"] != model.TempOrderStatusCreated {
		t.Errorf("在途订单状态 = %v, 期望 CREATED", order["status"])
	}

	svc := service.NewMergedOrderService(env.db, nil, env.cfg)
	if err := svc.MigrateToFormal(context.Background(), clientSn, time.Now(), "trade-query"); err != nil {
		t.Fatalf("迁移失败: %v", err)
	}

	w = env.do("GET", "/api/public/orders/"+clientSn, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("正式订单查询状态码 = %d", w.Code)
	}
	_, data = decodeEnvelope(t, w)
	order, ok = data["order"].(map[string]interface{})
	if !ok {
		t.Fatalf("响应缺少订单: %v", data)
	}
	if order["status"] != model.MergedOrderStatusPaid {
		t.Errorf("正式订单状态 = %v, 期望 PAID", order["status"])
	}
	items, ok := data["items"].([]interface{})
	if !ok || len(items) != 2 {
		t.Errorf("子项数 = %v, 期望 2", data["items"])
	}

	w = env.do("GET", "/api/public/orders/ORD00000000000000000", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("未知订单状态码 = %d, 期望 404", w.Code)
	}
}

// ============================================================
// 学生查询
// ============================================================

func TestQueryStudent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedStudent(t)

	w := env.do("GET", "/api/public/students/query-by-idcard/110101201001011234", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d", w.Code)
	}
	_, data := decodeEnvelope(t, w)
	if data["student"] == nil {
		t.Error("响应缺少学生信息")
	}
	orders, ok := data["orders"].([]interface{})
	if !ok || len(orders) != 2 {
		t.Errorf("订单数 = %v, 期望 2", data["orders"])
	}

	w = env.do("GET", "/api/public/students/query-by-idcard/999999999999999999", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("未知学生状态码 = %d, 期望 404", w.Code)
	}
}
