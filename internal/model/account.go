package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreditAccount 用户积分账户表
// 记录用户的积分余额，是整个结算系统的核心数据
//
// 金额一律使用 decimal，禁止使用 float —— 浮点数反复加减会产生精度漂移
type CreditAccount struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         int64           `gorm:"uniqueIndex;not null" json:"user_id"`                          // 用户ID，业务方传入
	CurrentCredits decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"current_credits"` // 可用积分余额
	TotalEarned    decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"total_earned"`    // 累计入账（只增不减）
	TotalSpent     decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"total_spent"`     // 累计出账（只增不减）
	Version        int             `gorm:"not null;default:0" json:"version"`                            // 乐观锁版本号
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CreditAccount) TableName() string {
	return "credit_account"
}
