package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 结算互斥锁
// ============================================================================
//
// 【为什么需要锁？】
//
// 场景：同一笔预订的结算请求被重复提交（网络抖动、调用方重试）
//
// 没有锁时：
//   goroutine1: 查无结算记录 -> 扣乘客款 -> 写流水
//   goroutine2: 查无结算记录 -> 再扣一次乘客款  重复结算！
//
// 加锁后：
//   goroutine1: 获取锁 -> 查无记录 -> 结算 -> 释放锁
//   goroutine2: 等待锁... -> 获取锁 -> 查到已结算 -> 直接返回原结果
//
// dedup_key 唯一索引是数据库层面的最后兜底，锁让正常路径不必依赖唯一键冲突。
//
// 【Redis 分布式锁原理】
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：Lua 脚本先验证 value 再删除，保证"检查+删除"原子
//
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取结算锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

// Locker 锁的能力抽象
// 结算服务只依赖该接口；生产环境用 Redis 分布式锁，
// 单实例部署与测试用进程内锁（见 local_lock.go）
type Locker interface {
	Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error
	Unlock(ctx context.Context) error
}

// DistributedLock Redis 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string        // 锁持有者标识
	expiration time.Duration // 过期时间，防止持有者崩溃导致死锁
}

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
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
// Lua 脚本验证 value 后才删除：锁过期被他人持有时，不能删掉别人的锁
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

// ============================================================================
// 业务锁 key 构造
// ============================================================================
//
// 【锁粒度】
// 结算锁按预订维度、服务费锁按行程维度：不同预订/行程可以并发结算，
// 同一笔只能串行 —— 这正是幂等需要的粒度。
// 账户维度的竞争交给数据库行锁 + 乐观锁版本号处理。

// SettlementLockKey 预订结算锁
func SettlementLockKey(bookingID int64) string {
	return fmt.Sprintf("settle:lock:booking:%d", bookingID)
}

// ReversalLockKey 预订冲正锁
func ReversalLockKey(bookingID int64) string {
	return fmt.Sprintf("reverse:lock:booking:%d", bookingID)
}

// PublicationLockKey 行程发布服务费锁
func PublicationLockKey(rideID int64) string {
	return fmt.Sprintf("publish:lock:ride:%d", rideID)
}
