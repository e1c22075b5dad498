package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 流水类型常量
// ============================================================================

const (
	EntryKindBookingCharge      = "BOOKING_CHARGE"      // 乘客预订扣款
	EntryKindPlatformCommission = "PLATFORM_COMMISSION" // 平台佣金（记账分摊，不二次扣款）
	EntryKindDriverEarning      = "DRIVER_EARNING"      // 司机收入
	EntryKindPublicationFee     = "PUBLICATION_FEE"     // 发布行程服务费
	EntryKindReversal           = "REVERSAL"            // 冲正（撤销结算）
)

// ============================================================================
// 结算业务参数
// ============================================================================

var (
	// FixedCommission 平台固定佣金：每笔预订抽取 2 积分
	// 订单价格低于佣金时，平台只收取订单全额，司机本单无收益
	FixedCommission = decimal.NewFromInt(2)

	// SignupBonus 注册赠送积分
	SignupBonus = decimal.NewFromInt(20)
)

// WarningDriverEarnsNothing 低价订单提示语：结算仍然成功，仅通过 warning 字段告知
const WarningDriverEarnsNothing = "订单价格不高于平台佣金，司机本单无收益"

// ============================================================================
// 积分流水实体
// ============================================================================

// LedgerEntry 积分流水表
// 记录账户的每一笔积分变动，是审计与对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. 更正只能通过插入 REVERSAL 冲正流水，绝不改写历史
// 3. 记录交易前后余额 —— 便于校验余额一致性
// 4. dedup_key 唯一索引在数据库层面兜底幂等（同一预订不可重复结算）
type LedgerEntry struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryNo       string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"entry_no"` // 流水号（全局唯一）
	UserID        int64           `gorm:"index;not null" json:"user_id"`                         // 所属用户
	Amount        decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"amount"`             // 金额（正数入账，负数出账）
	Kind          string          `gorm:"type:varchar(32);not null" json:"kind"`                 // 流水类型
	BookingID     *int64          `gorm:"index" json:"booking_id"`                               // 关联预订（可空）
	RideID        *int64          `gorm:"index" json:"ride_id"`                                  // 关联行程（可空）
	BalanceBefore decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"balance_before"`     // 变动前余额
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"balance_after"`      // 变动后余额
	DedupKey      *string         `gorm:"type:varchar(128);uniqueIndex" json:"dedup_key"`        // 幂等键（可空，唯一）
	Description   string          `gorm:"type:varchar(256)" json:"description"`                  // 备注
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entry"
}

// IsBalanceAffecting 该类型流水是否伴随余额变动
// PLATFORM_COMMISSION 只是把乘客付款中的佣金部分记账分摊给平台，
// 余额在 BOOKING_CHARGE 中已按全额扣减，佣金流水不再二次扣款
func IsBalanceAffecting(kind string) bool {
	switch kind {
	case EntryKindBookingCharge, EntryKindDriverEarning, EntryKindPublicationFee:
		return true
	default:
		return false
	}
}

// ============================================================================
// 幂等键构造
// ============================================================================
//
// 为什么不用 (booking_id, kind) 联合唯一索引？
// 一笔预订冲正会产生多条 kind=REVERSAL 的流水（每条原始流水对应一条），
// 联合唯一索引无法容纳，所以统一收敛到一个可空的 dedup_key 列。

// BookingDedupKey 预订结算流水的幂等键：同一预订同一类型只允许一条
func BookingDedupKey(bookingID int64, kind string) string {
	return fmt.Sprintf("booking:%d:%s", bookingID, kind)
}

// RideDedupKey 行程发布服务费的幂等键：一条行程只收一次费
func RideDedupKey(rideID int64) string {
	return fmt.Sprintf("ride:%d:%s", rideID, EntryKindPublicationFee)
}

// ReversalDedupKey 冲正流水的幂等键：每条原始流水只能被冲正一次
func ReversalDedupKey(bookingID int64, originalEntryNo string) string {
	return fmt.Sprintf("booking:%d:reversal:%s", bookingID, originalEntryNo)
}
