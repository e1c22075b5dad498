package service

import (
	"context"
	"errors"
	"testing"

	"creditledger/internal/model"
	"creditledger/internal/repository"
)

func TestReverseSettlementRestoresBalances(t *testing.T) {
	db, settle := newSettlementFixture(t, "100", "50")
	reverse := NewReversalService(db, nil, newTestConfig())

	if _, err := settle.ProcessBooking(context.Background(), settleRequest(t, "25")); err != nil {
		t.Fatalf("结算失败: %v", err)
	}

	if err := reverse.ReverseSettlement(context.Background(), testBookingID); err != nil {
		t.Fatalf("冲正失败: %v", err)
	}

	// 两个账户都恢复到结算前
	passenger := accountOf(t, db, testPassengerID)
	driver := accountOf(t, db, testDriverID)
	equalDec(t, "乘客余额", passenger.CurrentCredits, dec(t, "100"))
	equalDec(t, "司机余额", driver.CurrentCredits, dec(t, "50"))

	// 累计值只增不减：冲正通过反向累计实现，不回退历史
	equalDec(t, "乘客累计入账", passenger.TotalEarned, dec(t, "125"))
	equalDec(t, "乘客累计出账", passenger.TotalSpent, dec(t, "25"))
	equalDec(t, "司机累计入账", driver.TotalEarned, dec(t, "73"))
	equalDec(t, "司机累计出账", driver.TotalSpent, dec(t, "23"))

	// 每条原始流水对应一条金额取反的 REVERSAL 流水
	entries := bookingEntries(t, db, testBookingID)
	if len(entries) != 6 {
		t.Fatalf("冲正后流水条数 = %d, 期望 6", len(entries))
	}
	reversals := 0
	for _, entry := range entries {
		if entry.Kind == model.EntryKindReversal {
			reversals++
		}
	}
	if reversals != 3 {
		t.Fatalf("REVERSAL 流水条数 = %d, 期望 3", reversals)
	}
}

func TestReverseSettlementIdempotent(t *testing.T) {
	db, settle := newSettlementFixture(t, "100", "50")
	reverse := NewReversalService(db, nil, newTestConfig())

	if _, err := settle.ProcessBooking(context.Background(), settleRequest(t, "25")); err != nil {
		t.Fatalf("结算失败: %v", err)
	}
	if err := reverse.ReverseSettlement(context.Background(), testBookingID); err != nil {
		t.Fatalf("冲正失败: %v", err)
	}

	// 再次冲正是空操作，不允许二次冲正
	if err := reverse.ReverseSettlement(context.Background(), testBookingID); err != nil {
		t.Fatalf("重复冲正应为空操作, got %v", err)
	}

	equalDec(t, "乘客余额", accountOf(t, db, testPassengerID).CurrentCredits, dec(t, "100"))
	equalDec(t, "司机余额", accountOf(t, db, testDriverID).CurrentCredits, dec(t, "50"))
	if entries := bookingEntries(t, db, testBookingID); len(entries) != 6 {
		t.Fatalf("重复冲正不应追加流水, got %d 条", len(entries))
	}
}

func TestReverseSettlementLowPriceBooking(t *testing.T) {
	db, settle := newSettlementFixture(t, "100", "50")
	reverse := NewReversalService(db, nil, newTestConfig())

	// 低价订单：只有扣款和佣金两条流水，司机未参与
	if _, err := settle.ProcessBooking(context.Background(), settleRequest(t, "2")); err != nil {
		t.Fatalf("结算失败: %v", err)
	}
	if err := reverse.ReverseSettlement(context.Background(), testBookingID); err != nil {
		t.Fatalf("冲正失败: %v", err)
	}

	equalDec(t, "乘客余额", accountOf(t, db, testPassengerID).CurrentCredits, dec(t, "100"))
	equalDec(t, "司机余额", accountOf(t, db, testDriverID).CurrentCredits, dec(t, "50"))
	if entries := bookingEntries(t, db, testBookingID); len(entries) != 4 {
		t.Fatalf("冲正后流水条数 = %d, 期望 4", len(entries))
	}
}

func TestReverseSettlementUnknownBooking(t *testing.T) {
	db := newTestDB(t)
	reverse := NewReversalService(db, nil, newTestConfig())

	err := reverse.ReverseSettlement(context.Background(), int64(424242))
	if !errors.Is(err, ErrSettlementNotFound) {
		t.Fatalf("期望无结算记录错误, got %v", err)
	}
}

func TestReverseSettlementInvalidBookingID(t *testing.T) {
	db := newTestDB(t)
	reverse := NewReversalService(db, nil, newTestConfig())

	if err := reverse.ReverseSettlement(context.Background(), 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("期望参数错误, got %v", err)
	}
}

func TestReverseSettlementDriverSpentEarnings(t *testing.T) {
	db, settle := newSettlementFixture(t, "100", "0")
	reverse := NewReversalService(db, nil, newTestConfig())

	if _, err := settle.ProcessBooking(context.Background(), settleRequest(t, "25")); err != nil {
		t.Fatalf("结算失败: %v", err)
	}

	// 司机把收入花掉：余额不足以承担冲正扣款
	accountRepo := repository.NewAccountRepository(db)
	driver, err := accountRepo.GetByUserID(context.Background(), testDriverID)
	if err != nil {
		t.Fatalf("查询司机账户失败: %v", err)
	}
	if err := accountRepo.Debit(context.Background(), nil, testDriverID, dec(t, "23"), driver.Version); err != nil {
		t.Fatalf("模拟司机消费失败: %v", err)
	}

	// 余额非负约束优先于冲正：整体回滚
	err = reverse.ReverseSettlement(context.Background(), testBookingID)
	if !errors.Is(err, repository.ErrInsufficientCredits) {
		t.Fatalf("期望余额不足错误, got %v", err)
	}

	equalDec(t, "乘客余额", accountOf(t, db, testPassengerID).CurrentCredits, dec(t, "75"))
	equalDec(t, "司机余额", accountOf(t, db, testDriverID).CurrentCredits, dec(t, "0"))
	if entries := bookingEntries(t, db, testBookingID); len(entries) != 3 {
		t.Fatalf("冲正失败后不应残留 REVERSAL 流水, got %d 条", len(entries))
	}
}
