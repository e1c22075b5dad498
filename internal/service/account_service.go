package service

import (
	"context"
	"fmt"

	"creditledger/internal/model"
	"creditledger/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AccountService 积分账户查询与开户
type AccountService struct {
	db          *gorm.DB
	accountRepo accountStore
}

func NewAccountService(db *gorm.DB) *AccountService {
	return &AccountService{
		db:          db,
		accountRepo: repository.NewAccountRepository(db),
	}
}

// UserCredits 对外的余额视图
type UserCredits struct {
	CurrentCredits decimal.Decimal `json:"current_credits"`
	TotalEarned    decimal.Decimal `json:"total_earned"`
	TotalSpent     decimal.Decimal `json:"total_spent"`
}

// Register 用户注册时开户并发放注册赠送积分
// 可重复调用：账户已存在时直接返回，不重复发放
func (s *AccountService) Register(ctx context.Context, userID int64) (*model.CreditAccount, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: 用户标识必须为正数", ErrInvalidAmount)
	}
	return s.accountRepo.GetOrCreate(ctx, userID)
}

// GetUserCredits 查询用户积分
// 账户不存在属于数据完整性故障（注册即开户），原样透出 ErrAccountNotFound
func (s *AccountService) GetUserCredits(ctx context.Context, userID int64) (*UserCredits, error) {
	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &UserCredits{
		CurrentCredits: account.CurrentCredits,
		TotalEarned:    account.TotalEarned,
		TotalSpent:     account.TotalSpent,
	}, nil
}

// CanAfford 余额是否足以支付 amount
// amount <= 0 恒为 true
func (s *AccountService) CanAfford(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error) {
	if amount.Sign() <= 0 {
		return true, nil
	}
	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		return false, err
	}
	return account.CurrentCredits.GreaterThanOrEqual(amount), nil
}
