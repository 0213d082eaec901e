package notifier

import (
	"log"
	"sync"
	"time"
)

// ============================================================================
// 支付成功 WebSocket 通知
// ============================================================================
//
// 游客端扫码后停在收银页，靠这里的长连接第一时间拿到支付结果。
// 连接表是本进程内存态：多实例部署时回调可能落在没有持有该连接的
// 实例上，通知失败只是降级（正式订单已落库，前端轮询兜底）。
// ============================================================================

const (
	// DefaultTimeout 连接最长保活时间，超时强制关闭防止被遗弃的
	// 客户端占着连接不放（4分30秒，略小于二维码有效期的零头）
	DefaultTimeout = 4*time.Minute + 30*time.Second

	EventConnectionEstablished = "CONNECTION_ESTABLISHED"
	EventPaymentSuccess        = "PAYMENT_SUCCESS"
)

// Event 推送给客户端的统一消息结构
type Event struct {
	Type     string      `json:"type"`
	ClientSn string      `json:"client_sn,omitempty"`
	Data     interface{} `json:"data,omitempty"`
}

// Conn 通知需要的最小连接能力，*websocket.Conn 天然满足
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

type entry struct {
	conn  Conn
	timer *time.Timer
}

// Registry 按商户订单号索引的在线连接表
// 显式构造、显式注入，不做包级单例
type Registry struct {
	mu      sync.Mutex
	conns   map[string]*entry
	timeout time.Duration
}

func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		conns:   make(map[string]*entry),
		timeout: timeout,
	}
}

// Register 登记连接并武装超时定时器
// 同一 client_sn 重复连接时旧连接被关闭替换
func (r *Registry) Register(clientSn string, conn Conn) {
	r.mu.Lock()
	if old, ok := r.conns[clientSn]; ok {
		old.timer.Stop()
		old.conn.Close()
	}

	e := &entry{conn: conn}
	e.timer = time.AfterFunc(r.timeout, func() {
		r.evict(clientSn, e)
	})
	r.conns[clientSn] = e
	count := len(r.conns)
	r.mu.Unlock()

	log.Printf("[Notifier] WebSocket连接登记: %s, 当前连接数: %d", clientSn, count)
}

// evict 超时强制关闭，只清理仍指向当前entry的表项
func (r *Registry) evict(clientSn string, e *entry) {
	r.mu.Lock()
	if cur, ok := r.conns[clientSn]; ok && cur == e {
		delete(r.conns, clientSn)
	}
	r.mu.Unlock()

	e.conn.Close()
	log.Printf("[Notifier] WebSocket连接超时关闭: %s", clientSn)
}

// Remove 连接关闭/出错时的对称清理，防止连接表无限增长
func (r *Registry) Remove(clientSn string) {
	r.mu.Lock()
	e, ok := r.conns[clientSn]
	if ok {
		e.timer.Stop()
		delete(r.conns, clientSn)
	}
	r.mu.Unlock()
}

// Notify 推送支付成功事件，连接不在线返回 false
// 调用方只记日志不报错：正式订单早已持久化，通知只是锦上添花
func (r *Registry) Notify(clientSn string, payload interface{}) bool {
	r.mu.Lock()
	e, ok := r.conns[clientSn]
	r.mu.Unlock()
	if !ok {
		return false
	}

	if err := e.conn.WriteJSON(Event{Type: EventPaymentSuccess, Data: payload}); err != nil {
		log.Printf("[Notifier] 推送失败: %s, err=%v", clientSn, err)
		// 只清理本次写失败的那个entry：写锁外发生过重连时
		// 表项已指向新连接，不能把新连接误关
		r.mu.Lock()
		if cur, ok := r.conns[clientSn]; ok && cur == e {
			e.timer.Stop()
			delete(r.conns, clientSn)
		}
		r.mu.Unlock()
		e.conn.Close()
		return false
	}
	return true
}

// Size 当前在线连接数
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
