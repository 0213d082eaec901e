package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/xuehuage/byzy-server/internal/config"
	"github.com/xuehuage/byzy-server/internal/infrastructure/gateway"
	"github.com/xuehuage/byzy-server/internal/model"
	"github.com/xuehuage/byzy-server/internal/repository"
	"github.com/xuehuage/byzy-server/pkg/qrcode"

	"gorm.io/gorm"
)

var (
	ErrStudentNotFound = repository.ErrStudentNotFound
	ErrInvalidPayWay   = errors.New("支付方式必须为2（支付宝）或3（微信）")
	ErrNoUnpaidOrders  = errors.New("无未付款订单")
	ErrInvalidAmount   = errors.New("订单金额无效")
)

// PrepayService 预下单编排
// 查学生 → 筛未付款订单 → 算总额拼标题 → 暂存临时订单 → 第三方
// 预下单 → 回写二维码。金额全程以分为单位，只在响应里转成元
type PrepayService struct {
	db          *gorm.DB
	cfg         *config.Config
	studentRepo *repository.StudentOrderRepository
	mergedSvc   *MergedOrderService
	gateway     *gateway.Client
}

func NewPrepayService(db *gorm.DB, cfg *config.Config, mergedSvc *MergedOrderService, gw *gateway.Client) *PrepayService {
	return &PrepayService{
		db:          db,
		cfg:         cfg,
		studentRepo: repository.NewStudentOrderRepository(db),
		mergedSvc:   mergedSvc,
		gateway:     gw,
	}
}

// PrepayResult 预下单响应
type PrepayResult struct {
	TotalAmount    float64 `json:"total_amount"` // 元，仅展示用
	Subject        string  `json:"subject"`
	Sn             string  `json:"sn"`
	ClientSn       string  `json:"client_sn"`
	QrCode         string  `json:"qr_code"`
	QrCodeImageURL string  `json:"qr_code_image_url"`
}

// Prepay 学生合并订单预下单
func (s *PrepayService) Prepay(ctx context.Context, idCard string, payWay int) (*PrepayResult, error) {
	if !model.IsValidPayWay(payWay) {
		return nil, ErrInvalidPayWay
	}

	student, err := s.studentRepo.FindStudentByIDCard(ctx, idCard)
	if err != nil {
		return nil, err
	}

	unpaidOrders, err := s.studentRepo.FindUnpaidByStudentID(ctx, student.ID)
	if err != nil {
		return nil, fmt.Errorf("查询学生订单失败: %w", err)
	}
	if len(unpaidOrders) == 0 {
		return nil, ErrNoUnpaidOrders
	}

	var totalAmount int64
	subjectParts := make([]string, 0, len(unpaidOrders))
	lineOrderIDs := make([]int64, 0, len(unpaidOrders))
	for _, order := range unpaidOrders {
		totalAmount += order.TotalAmount
		subjectParts = append(subjectParts,
			fmt.Sprintf("%s%d套，尺码%s", order.UniformName, order.Quantity, order.Size))
		lineOrderIDs = append(lineOrderIDs, order.ID)
	}
	if totalAmount <= 0 {
		return nil, ErrInvalidAmount
	}
	subject := strings.Join(subjectParts, "；")

	clientSn, err := s.mergedSvc.CreateTempOrder(ctx, student.ID, totalAmount, payWay, subject, lineOrderIDs)
	if err != nil {
		return nil, err
	}

	resp, err := s.gateway.Precreate(ctx, clientSn, totalAmount, subject, payWay)
	if err != nil {
		return nil, err
	}
	data := resp.BizResponse.Data
	if data == nil || data.QrCode == "" {
		return nil, &gateway.GatewayError{Path: "/upay/v2/precreate", Message: "响应缺少二维码"}
	}

	// 预下单和回写二维码是同一逻辑步骤的两半，回写失败整个预下单视为失败
	if err := s.mergedSvc.UpdateQrCode(ctx, clientSn, data.QrCode); err != nil {
		return nil, fmt.Errorf("回写二维码失败: %w", err)
	}

	qrImageURL := data.QrCodeImageURL
	if qrImageURL == "" {
		// 第三方没给图片外链时本地渲染一张，失败只记日志不影响支付
		if path, err := qrcode.GeneratePaymentQrcode(s.cfg.Business.QrcodeDir, clientSn, data.QrCode); err != nil {
			log.Printf("[Prepay] 本地二维码渲染失败: clientSn=%s, err=%v", clientSn, err)
		} else {
			qrImageURL = s.cfg.Business.PublicBaseURL + path
		}
	}

	return &PrepayResult{
		TotalAmount:    float64(totalAmount) / 100, // 分转元
		Subject:        subject,
		Sn:             data.Sn,
		ClientSn:       clientSn,
		QrCode:         data.QrCode,
		QrCodeImageURL: qrImageURL,
	}, nil
}

// GetStudentWithOrders 公开查询：学生信息及其全部校服订单
func (s *PrepayService) GetStudentWithOrders(ctx context.Context, idCard string) (*model.Student, []*model.StudentUniformOrder, error) {
	student, err := s.studentRepo.FindStudentByIDCard(ctx, idCard)
	if err != nil {
		return nil, nil, err
	}
	orders, err := s.studentRepo.FindOrdersByStudentID(ctx, student.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("查询学生订单失败: %w", err)
	}
	return student, orders, nil
}
