package service

import (
	"context"
	"time"

	"creditledger/internal/infrastructure/lock"
	"creditledger/internal/model"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// 服务层依赖的仓储能力抽象
// 默认由 repository 包的实现注入，测试可以替换成内存实现或故障注入包装

type accountStore interface {
	GetByUserID(ctx context.Context, userID int64) (*model.CreditAccount, error)
	GetByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (*model.CreditAccount, error)
	GetOrCreate(ctx context.Context, userID int64) (*model.CreditAccount, error)
	Debit(ctx context.Context, tx *gorm.DB, userID int64, amount decimal.Decimal, version int) error
	Credit(ctx context.Context, tx *gorm.DB, userID int64, amount decimal.Decimal) error
}

type ledgerStore interface {
	Create(ctx context.Context, tx *gorm.DB, entry *model.LedgerEntry) error
	GetByBookingIDAndKind(ctx context.Context, bookingID int64, kind string) (*model.LedgerEntry, error)
	ListByBookingID(ctx context.Context, bookingID int64) ([]*model.LedgerEntry, error)
	HasReversal(ctx context.Context, bookingID int64) (bool, error)
	GetPublicationFeeByRideID(ctx context.Context, rideID int64) (*model.LedgerEntry, error)
}

type outboxStore interface {
	Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error
}

// newLocker 构造业务锁
// 配置了 Redis 时用分布式锁；单实例部署与测试用进程内锁
func newLocker(client *redis.Client, key, value string) lock.Locker {
	if client == nil {
		return lock.NewLocalLock(key)
	}
	return lock.NewDistributedLock(client, key, value, 30*time.Second)
}
