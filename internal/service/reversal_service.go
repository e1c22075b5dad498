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
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ReversalService 结算冲正
// 预订取消时撤销整笔结算：不改写历史流水，而是为每条原始流水插入一条
// 金额取反的 REVERSAL 流水，并对余额施加反向变动，审计链完整保留
type ReversalService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	accountRepo accountStore
	ledgerRepo  ledgerStore
	outboxRepo  outboxStore
}

func NewReversalService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *ReversalService {
	return &ReversalService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		accountRepo: repository.NewAccountRepository(db),
		ledgerRepo:  repository.NewLedgerRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

// ReverseSettlement 冲正一笔预订的结算
//
// 幂等：已冲正的预订再次调用是空操作，绝不会二次冲正。
// 佣金流水当初未变动余额，冲正时同样只记账不动余额；
// 司机收入的冲正是一笔受余额保护的扣款——司机已把收入花掉时整体回滚，
// 余额不允许为负的约束优先于冲正
func (s *ReversalService) ReverseSettlement(ctx context.Context, bookingID int64) error {
	if bookingID <= 0 {
		return fmt.Errorf("%w: 预订标识必须为正数", ErrInvalidAmount)
	}

	entries, err := s.ledgerRepo.ListByBookingID(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("查询结算流水失败: %w", err)
	}

	originals := make([]*model.LedgerEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Kind != model.EntryKindReversal {
			originals = append(originals, entry)
		}
	}
	if len(originals) == 0 {
		return ErrSettlementNotFound
	}

	// 幂等校验
	reversed, err := s.ledgerRepo.HasReversal(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("查询冲正记录失败: %w", err)
	}
	if reversed {
		return nil
	}

	reversalNo := idgen.GenerateReversalNo()

	reverseLock := newLocker(s.redisClient, lock.ReversalLockKey(bookingID), reversalNo)
	if err := reverseLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailure, err)
	}
	defer reverseLock.Unlock(ctx)

	// 获取锁后再次检查幂等
	reversed, err = s.ledgerRepo.HasReversal(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("查询冲正记录失败: %w", err)
	}
	if reversed {
		return nil
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		for _, original := range originals {
			if err := s.reverseEntry(ctx, tx, bookingID, reversalNo, original); err != nil {
				return err
			}
		}

		msgPayload := map[string]interface{}{
			"reversal_no":      reversalNo,
			"booking_id":       bookingID,
			"entries_reversed": len(originals),
			"reversed_at":      time.Now().Format(time.RFC3339),
		}
		payloadBytes, _ := json.Marshal(msgPayload)

		outboxMsg := &model.OutboxMessage{
			MessageKey: reversalNo,
			Topic:      s.cfg.Kafka.Topic.ReversalResult,
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

	log.Printf("冲正成功: reversalNo=%s, bookingID=%d, entries=%d", reversalNo, bookingID, len(originals))
	return nil
}

// reverseEntry 冲正单条原始流水：反向余额变动 + 金额取反的 REVERSAL 流水
func (s *ReversalService) reverseEntry(ctx context.Context, tx *gorm.DB, bookingID int64, reversalNo string, original *model.LedgerEntry) error {
	account, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, original.UserID)
	if err != nil {
		return fmt.Errorf("锁定账户失败: %w", err)
	}

	delta := decimal.Zero
	if model.IsBalanceAffecting(original.Kind) {
		delta = original.Amount.Neg()
	}

	switch {
	case delta.IsPositive():
		if err := s.accountRepo.Credit(ctx, tx, original.UserID, delta); err != nil {
			return fmt.Errorf("冲正入账失败: %w", err)
		}
	case delta.IsNegative():
		if err := s.accountRepo.Debit(ctx, tx, original.UserID, delta.Neg(), account.Version); err != nil {
			return fmt.Errorf("冲正扣款失败: %w", err)
		}
	}

	dedupKey := model.ReversalDedupKey(bookingID, original.EntryNo)
	reversal := &model.LedgerEntry{
		EntryNo:       idgen.GenerateEntryNo(),
		UserID:        original.UserID,
		Amount:        original.Amount.Neg(),
		Kind:          model.EntryKindReversal,
		BookingID:     original.BookingID,
		RideID:        original.RideID,
		BalanceBefore: account.CurrentCredits,
		BalanceAfter:  account.CurrentCredits.Add(delta),
		DedupKey:      &dedupKey,
		Description:   fmt.Sprintf("冲正-%s-原流水%s", reversalNo, original.EntryNo),
	}
	if err := s.ledgerRepo.Create(ctx, tx, reversal); err != nil {
		return fmt.Errorf("记录冲正流水失败: %w", err)
	}

	return nil
}
