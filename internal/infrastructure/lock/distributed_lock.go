package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 订单迁移有两个独立入口（客户端轮询、第三方回调），且服务可能多实例
// 部署在负载均衡后面，进程内锁挡不住跨实例的并发迁移。
//
// 迁移的正确性最终由数据库事务 + 行锁保证（第二个事务读不到已删除的
// 临时订单，落到"订单不存在"的良性结果），redis 锁在此之上把绝大多数
// 并发迁移直接串行化，避免两个事务在行锁上互相等待。
//
// 加锁：SET key value NX EX timeout
// 释放：Lua 脚本先校验 value 再删除，防止误删他人持有的锁
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string // 锁持有者标识，释放时校验
	expiration time.Duration
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// NewMigrateLock 创建订单迁移锁（按商户订单号维度）
// 同一个 client_sn 的轮询和回调互斥，不同订单互不影响；
// value 用随机 uuid，锁超时后不会误删后续持有者的锁
func NewMigrateLock(client *redis.Client, clientSn string) *DistributedLock {
	key := fmt.Sprintf("pay:migrate:lock:%s", clientSn)
	return NewDistributedLock(client, key, uuid.NewString(), 30*time.Second)
}
