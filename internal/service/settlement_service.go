package service

import (
	"context"
	"encoding/json"
	"errors"
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

// SettlementService 预订结算引擎
// 一次结算在同一个数据库事务内完成三件事：
//   1. 乘客按订单全额扣款（BOOKING_CHARGE）
//   2. 佣金记账分摊给平台（PLATFORM_COMMISSION，不二次扣款）
//   3. 司机入账 price - 佣金（DRIVER_EARNING，金额为0时不写流水）
// 任何一步失败整体回滚：不会出现半截流水或半截余额
type SettlementService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	accountRepo accountStore
	ledgerRepo  ledgerStore
	outboxRepo  outboxStore
}

func NewSettlementService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *SettlementService {
	return &SettlementService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		accountRepo: repository.NewAccountRepository(db),
		ledgerRepo:  repository.NewLedgerRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

type SettlementRequest struct {
	PassengerID int64           `json:"passenger_id"`
	DriverID    int64           `json:"driver_id"`
	Price       decimal.Decimal `json:"price"`
	RideID      int64           `json:"ride_id"`
	BookingID   int64           `json:"booking_id"`
}

// SettlementResult 结算结果（不落库）
// 恒等式：PlatformCommission + DriverEarned == AmountCharged
type SettlementResult struct {
	AmountCharged      decimal.Decimal `json:"amount_charged"`
	PlatformCommission decimal.Decimal `json:"platform_commission"`
	DriverEarned       decimal.Decimal `json:"driver_earned"`
	Warning            string          `json:"warning,omitempty"`
}

// ProcessBooking 结算一笔预订
//
// 幂等：同一 BookingID 重复调用返回首次结算的结果，不重复扣款。
// 预检查 + 预订维度锁 + 锁内复查是正常路径；dedup_key 唯一索引在数据库层兜底。
func (s *SettlementService) ProcessBooking(ctx context.Context, req *SettlementRequest) (*SettlementResult, error) {
	if err := validateSettlementRequest(req); err != nil {
		return nil, err
	}

	// 幂等校验
	existing, err := s.ledgerRepo.GetByBookingIDAndKind(ctx, req.BookingID, model.EntryKindBookingCharge)
	if err != nil {
		return nil, fmt.Errorf("查询结算记录失败: %w", err)
	}
	if existing != nil {
		return s.resultFromLedger(ctx, req.BookingID, existing)
	}

	settlementNo := idgen.GenerateSettlementNo()

	// 预订维度锁：同一预订串行，不同预订并发
	settleLock := newLocker(s.redisClient, lock.SettlementLockKey(req.BookingID), settlementNo)
	if err := settleLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransactionFailure, err)
	}
	defer settleLock.Unlock(ctx)

	// 获取锁后再次检查幂等
	existing, err = s.ledgerRepo.GetByBookingIDAndKind(ctx, req.BookingID, model.EntryKindBookingCharge)
	if err != nil {
		return nil, fmt.Errorf("查询结算记录失败: %w", err)
	}
	if existing != nil {
		return s.resultFromLedger(ctx, req.BookingID, existing)
	}

	// 账户与余额预检查：不足则直接拒绝，不产生任何写入
	passenger, err := s.accountRepo.GetByUserID(ctx, req.PassengerID)
	if err != nil {
		return nil, fmt.Errorf("获取乘客账户失败: %w", err)
	}
	if passenger.CurrentCredits.LessThan(req.Price) {
		return nil, repository.ErrInsufficientCredits
	}
	if _, err := s.accountRepo.GetByUserID(ctx, req.DriverID); err != nil {
		return nil, fmt.Errorf("获取司机账户失败: %w", err)
	}

	// 佣金拆分：低价订单平台只收取订单全额，司机本单无收益
	commission := decimal.Min(model.FixedCommission, req.Price)
	driverEarned := req.Price.Sub(commission)

	err = s.db.Transaction(func(tx *gorm.DB) error {
		// 行锁内重读余额：校验与扣减必须基于同一份数据，堵死"先查后扣"竞态
		locked, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, req.PassengerID)
		if err != nil {
			return fmt.Errorf("锁定乘客账户失败: %w", err)
		}
		if locked.CurrentCredits.LessThan(req.Price) {
			return repository.ErrInsufficientCredits
		}

		if err := s.accountRepo.Debit(ctx, tx, req.PassengerID, req.Price, locked.Version); err != nil {
			return fmt.Errorf("乘客扣款失败: %w", err)
		}

		chargeKey := model.BookingDedupKey(req.BookingID, model.EntryKindBookingCharge)
		charge := &model.LedgerEntry{
			EntryNo:       idgen.GenerateEntryNo(),
			UserID:        req.PassengerID,
			Amount:        req.Price.Neg(),
			Kind:          model.EntryKindBookingCharge,
			BookingID:     &req.BookingID,
			RideID:        &req.RideID,
			BalanceBefore: locked.CurrentCredits,
			BalanceAfter:  locked.CurrentCredits.Sub(req.Price),
			DedupKey:      &chargeKey,
			Description:   fmt.Sprintf("预订扣款-%s", settlementNo),
		}
		if err := s.ledgerRepo.Create(ctx, tx, charge); err != nil {
			return fmt.Errorf("记录扣款流水失败: %w", err)
		}

		// 佣金流水只做记账分摊：余额在上面已按全额扣减，这里前后余额相同
		commissionKey := model.BookingDedupKey(req.BookingID, model.EntryKindPlatformCommission)
		commissionEntry := &model.LedgerEntry{
			EntryNo:       idgen.GenerateEntryNo(),
			UserID:        req.PassengerID,
			Amount:        commission.Neg(),
			Kind:          model.EntryKindPlatformCommission,
			BookingID:     &req.BookingID,
			RideID:        &req.RideID,
			BalanceBefore: charge.BalanceAfter,
			BalanceAfter:  charge.BalanceAfter,
			DedupKey:      &commissionKey,
			Description:   fmt.Sprintf("平台佣金-%s", settlementNo),
		}
		if err := s.ledgerRepo.Create(ctx, tx, commissionEntry); err != nil {
			return fmt.Errorf("记录佣金流水失败: %w", err)
		}

		// 司机收益为0时不写流水：流水表不允许零金额记录
		if driverEarned.IsPositive() {
			driver, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, req.DriverID)
			if err != nil {
				return fmt.Errorf("锁定司机账户失败: %w", err)
			}
			if err := s.accountRepo.Credit(ctx, tx, req.DriverID, driverEarned); err != nil {
				return fmt.Errorf("司机入账失败: %w", err)
			}

			earningKey := model.BookingDedupKey(req.BookingID, model.EntryKindDriverEarning)
			earning := &model.LedgerEntry{
				EntryNo:       idgen.GenerateEntryNo(),
				UserID:        req.DriverID,
				Amount:        driverEarned,
				Kind:          model.EntryKindDriverEarning,
				BookingID:     &req.BookingID,
				RideID:        &req.RideID,
				BalanceBefore: driver.CurrentCredits,
				BalanceAfter:  driver.CurrentCredits.Add(driverEarned),
				DedupKey:      &earningKey,
				Description:   fmt.Sprintf("行程收入-%s", settlementNo),
			}
			if err := s.ledgerRepo.Create(ctx, tx, earning); err != nil {
				return fmt.Errorf("记录收入流水失败: %w", err)
			}
		}

		msgPayload := map[string]interface{}{
			"settlement_no":       settlementNo,
			"booking_id":          req.BookingID,
			"ride_id":             req.RideID,
			"passenger_id":        req.PassengerID,
			"driver_id":           req.DriverID,
			"amount_charged":      req.Price,
			"platform_commission": commission,
			"driver_earned":       driverEarned,
			"settled_at":          time.Now().Format(time.RFC3339),
		}
		payloadBytes, _ := json.Marshal(msgPayload)

		outboxMsg := &model.OutboxMessage{
			MessageKey: settlementNo,
			Topic:      s.cfg.Kafka.Topic.SettlementResult,
			Payload:    string(payloadBytes),
			Status:     model.OutboxStatusPending,
		}
		if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, mapSettlementError(err)
	}

	log.Printf("结算成功: settlementNo=%s, bookingID=%d, price=%s, commission=%s, driverEarned=%s",
		settlementNo, req.BookingID, req.Price, commission, driverEarned)

	result := &SettlementResult{
		AmountCharged:      req.Price,
		PlatformCommission: commission,
		DriverEarned:       driverEarned,
	}
	if driverEarned.IsZero() {
		result.Warning = model.WarningDriverEarnsNothing
	}
	return result, nil
}

func validateSettlementRequest(req *SettlementRequest) error {
	if req == nil {
		return fmt.Errorf("%w: 请求为空", ErrInvalidAmount)
	}
	if !req.Price.IsPositive() {
		return fmt.Errorf("%w: 订单价格必须大于0", ErrInvalidAmount)
	}
	if req.PassengerID <= 0 || req.DriverID <= 0 || req.RideID <= 0 || req.BookingID <= 0 {
		return fmt.Errorf("%w: 标识必须为正数", ErrInvalidAmount)
	}
	if req.PassengerID == req.DriverID {
		return fmt.Errorf("%w: 乘客与司机不能是同一用户", ErrInvalidAmount)
	}
	return nil
}

// resultFromLedger 重复提交时根据已有流水还原首次结算结果
func (s *SettlementService) resultFromLedger(ctx context.Context, bookingID int64, charge *model.LedgerEntry) (*SettlementResult, error) {
	price := charge.Amount.Neg()

	commission := decimal.Min(model.FixedCommission, price)
	if entry, err := s.ledgerRepo.GetByBookingIDAndKind(ctx, bookingID, model.EntryKindPlatformCommission); err != nil {
		return nil, fmt.Errorf("查询结算记录失败: %w", err)
	} else if entry != nil {
		commission = entry.Amount.Neg()
	}

	result := &SettlementResult{
		AmountCharged:      price,
		PlatformCommission: commission,
		DriverEarned:       price.Sub(commission),
	}
	if result.DriverEarned.IsZero() {
		result.Warning = model.WarningDriverEarnsNothing
	}
	return result, nil
}

// mapSettlementError 事务内失败的对外分类
// 业务性失败（余额不足、账户缺失、参数非法）原样透出；
// 乐观锁冲突与其余存储故障归入可重试的事务失败
func mapSettlementError(err error) error {
	switch {
	case errors.Is(err, repository.ErrInsufficientCredits),
		errors.Is(err, repository.ErrAccountNotFound),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrSettlementNotFound):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrTransactionFailure, err)
	}
}
