package handler

import (
	"log"
	"net/http"

	"github.com/xuehuage/byzy-server/internal/notifier"
	"github.com/xuehuage/byzy-server/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 游客端收银页跨域访问
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocket 支付结果推送长连接
// GET /ws?client_sn=xxx
//
// 连接建立后先回 CONNECTION_ESTABLISHED 再登记进连接表，
// 避免确认消息与支付成功推送并发写同一个连接
func (h *Handler) WebSocket(c *gin.Context) {
	clientSn := c.Query("client_sn")
	if clientSn == "" {
		response.ParamError(c, "缺少client_sn")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WebSocket] 升级失败: %v", err)
		return
	}

	if err := conn.WriteJSON(notifier.Event{
		Type:     notifier.EventConnectionEstablished,
		ClientSn: clientSn,
	}); err != nil {
		conn.Close()
		return
	}

	h.notifier.Register(clientSn, conn)

	// 读循环只用来感知断连，客户端消息一律丢弃
	go func() {
		defer func() {
			h.notifier.Remove(clientSn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
