package notifier

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	wrote  []Event
	closed bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wrote = append(f.wrote, v.(Event))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestNotifyDelivered(t *testing.T) {
	r := NewRegistry(time.Minute)
	conn := &fakeConn{}
	r.Register("ORD1", conn)

	payload := map[string]interface{}{"client_sn": "ORD1", "total_amount": int64(8000)}
	if !r.Notify("ORD1", payload) {
		t.Fatal("在线连接推送应返回true")
	}

	if len(conn.wrote) != 1 {
		t.Fatalf("期望推送1条, 实际 %d", len(conn.wrote))
	}
	if conn.wrote[0].Type != EventPaymentSuccess {
		t.Fatalf("事件类型错误: %s", conn.wrote[0].Type)
	}
}

func TestNotifyAbsentConnection(t *testing.T) {
	r := NewRegistry(time.Minute)
	if r.Notify("ORD_MISSING", nil) {
		t.Fatal("无连接时推送应返回false")
	}
}

func TestRemoveSymmetric(t *testing.T) {
	r := NewRegistry(time.Minute)
	r.Register("ORD1", &fakeConn{})
	r.Remove("ORD1")

	if r.Size() != 0 {
		t.Fatalf("清理后连接数应为0, 实际 %d", r.Size())
	}
	if r.Notify("ORD1", nil) {
		t.Fatal("已清理的连接不应可达")
	}
}

func TestTimeoutEviction(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	conn := &fakeConn{}
	r.Register("ORD1", conn)

	deadline := time.Now().Add(2 * time.Second)
	for r.Size() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("超时后连接应被驱逐")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !conn.isClosed() {
		t.Fatal("超时驱逐必须关闭连接")
	}
}

// blockedFailConn 的写入先通知测试、等放行后再报错，
// 用来在推送写入期间制造并发重连
type blockedFailConn struct {
	fakeConn
	writing chan struct{}
	release chan struct{}
}

func (f *blockedFailConn) WriteJSON(v interface{}) error {
	close(f.writing)
	<-f.release
	return errFakeWrite
}

var errFakeWrite = errors.New("write failed")

// 推送写失败期间客户端已重连：失败清理只能删除旧entry，
// 不能把刚登记的新连接一并驱逐
func TestNotifyFailureKeepsReplacement(t *testing.T) {
	r := NewRegistry(time.Minute)
	old := &blockedFailConn{
		writing: make(chan struct{}),
		release: make(chan struct{}),
	}
	r.Register("ORD1", old)

	done := make(chan bool)
	go func() { done <- r.Notify("ORD1", nil) }()

	<-old.writing
	replacement := &fakeConn{}
	r.Register("ORD1", replacement)
	close(old.release)

	if <-done {
		t.Fatal("写失败的推送应返回false")
	}
	if replacement.isClosed() {
		t.Fatal("失败清理不应关闭重连后的新连接")
	}
	if r.Size() != 1 {
		t.Fatalf("连接数应为1, 实际 %d", r.Size())
	}
	if !r.Notify("ORD1", nil) {
		t.Fatal("新连接应可达")
	}
}

func TestRegisterReplacesOldConnection(t *testing.T) {
	r := NewRegistry(time.Minute)
	old := &fakeConn{}
	r.Register("ORD1", old)

	replacement := &fakeConn{}
	r.Register("ORD1", replacement)

	if !old.isClosed() {
		t.Fatal("重复登记时旧连接应被关闭")
	}
	if r.Size() != 1 {
		t.Fatalf("连接数应为1, 实际 %d", r.Size())
	}
	if !r.Notify("ORD1", nil) {
		t.Fatal("新连接应可达")
	}
	if len(old.wrote) != 0 {
		t.Fatal("消息不应发给旧连接")
	}
}
