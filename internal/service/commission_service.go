package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/infrastructure/lock"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// CommissionService 行程发布服务费
// 司机发布行程时一次性收取固定佣金，与后续预订结算相互独立。
// 余额不足时直接报错，由调用方在创建行程之前拦截——本引擎不回滚行程创建
type CommissionService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	accountRepo accountStore
	ledgerRepo  ledgerStore
	outboxRepo  outboxStore
}

func NewCommissionService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *CommissionService {
	return &CommissionService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		accountRepo: repository.NewAccountRepository(db),
		ledgerRepo:  repository.NewLedgerRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

// TakePlatformCommission 收取行程发布服务费
// 幂等：一条行程只收一次费，重复调用是空操作
func (s *CommissionService) TakePlatformCommission(ctx context.Context, driverID, rideID int64, description string) error {
	if driverID <= 0 || rideID <= 0 {
		return fmt.Errorf("%w: 标识必须为正数", ErrInvalidAmount)
	}
	if description == "" {
		description = "行程发布服务费"
	}

	// 幂等校验
	existing, err := s.ledgerRepo.GetPublicationFeeByRideID(ctx, rideID)
	if err != nil {
		return fmt.Errorf("查询服务费流水失败: %w", err)
	}
	if existing != nil {
		return nil
	}

	feeNo := idgen.GenerateSettlementNo()

	publishLock := newLocker(s.redisClient, lock.PublicationLockKey(rideID), feeNo)
	if err := publishLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailure, err)
	}
	defer publishLock.Unlock(ctx)

	// 获取锁后再次检查幂等
	existing, err = s.ledgerRepo.GetPublicationFeeByRideID(ctx, rideID)
	if err != nil {
		return fmt.Errorf("查询服务费流水失败: %w", err)
	}
	if existing != nil {
		return nil
	}

	// 余额预检查：不足则拒绝，不产生任何写入
	driver, err := s.accountRepo.GetByUserID(ctx, driverID)
	if err != nil {
		return fmt.Errorf("获取司机账户失败: %w", err)
	}
	if driver.CurrentCredits.LessThan(model.FixedCommission) {
		return repository.ErrInsufficientCredits
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, driverID)
		if err != nil {
			return fmt.Errorf("锁定司机账户失败: %w", err)
		}
		if locked.CurrentCredits.LessThan(model.FixedCommission) {
			return repository.ErrInsufficientCredits
		}

		if err := s.accountRepo.Debit(ctx, tx, driverID, model.FixedCommission, locked.Version); err != nil {
			return fmt.Errorf("扣除服务费失败: %w", err)
		}

		dedupKey := model.RideDedupKey(rideID)
		entry := &model.LedgerEntry{
			EntryNo:       idgen.GenerateEntryNo(),
			UserID:        driverID,
			Amount:        model.FixedCommission.Neg(),
			Kind:          model.EntryKindPublicationFee,
			RideID:        &rideID,
			BalanceBefore: locked.CurrentCredits,
			BalanceAfter:  locked.CurrentCredits.Sub(model.FixedCommission),
			DedupKey:      &dedupKey,
			Description:   fmt.Sprintf("%s-%s", description, feeNo),
		}
		if err := s.ledgerRepo.Create(ctx, tx, entry); err != nil {
			return fmt.Errorf("记录服务费流水失败: %w", err)
		}

		msgPayload := map[string]interface{}{
			"fee_no":    feeNo,
			"ride_id":   rideID,
			"driver_id": driverID,
			"amount":    model.FixedCommission,
			"taken_at":  time.Now().Format(time.RFC3339),
		}
		payloadBytes, _ := json.Marshal(msgPayload)

		outboxMsg := &model.OutboxMessage{
			MessageKey: feeNo,
			Topic:      s.cfg.Kafka.Topic.PublicationFee,
			Payload:    string(payloadBytes),
			Status:     model.OutboxStatusPending,
		}
		if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		return nil
	})

	if err != nil {
		return mapSettlementError(err)
	}

	log.Printf("服务费收取成功: feeNo=%s, rideID=%d, driverID=%d, amount=%s",
		feeNo, rideID, driverID, model.FixedCommission)
	return nil
}
