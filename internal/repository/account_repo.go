package repository

import (
	"context"
	"errors"

	"creditledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound     = errors.New("积分账户不存在")
	ErrInsufficientCredits = errors.New("积分余额不足")
	ErrOptimisticLock      = errors.New("乐观锁冲突，请重试")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, account *model.CreditAccount) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *AccountRepository) GetByUserID(ctx context.Context, userID int64) (*model.CreditAccount, error) {
	var account model.CreditAccount
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetByUserIDForUpdate 在事务内加行锁读取账户
// 余额校验与扣减必须基于同一把锁内读到的数据，否则存在"先查后扣"竞态
func (r *AccountRepository) GetByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (*model.CreditAccount, error) {
	query := tx.WithContext(ctx)
	// SQLite 不支持 FOR UPDATE，其单写者模型下也无需行锁
	if tx.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var account model.CreditAccount
	err := query.
		Where("user_id = ?", userID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Debit 扣减余额（条件更新 + 乐观锁）
// WHERE 条件同时校验版本号与余额充足，余额永远不会被扣成负数
func (r *AccountRepository) Debit(ctx context.Context, tx *gorm.DB, userID int64, amount decimal.Decimal, version int) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("user_id = ? AND current_credits >= ? AND version = ?", userID, amount, version).
		Updates(map[string]interface{}{
			"current_credits": gorm.Expr("current_credits - ?", amount),
			"total_spent":     gorm.Expr("total_spent + ?", amount),
			"version":         gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		// 区分失败原因时必须用同一事务连接重读，否则看不到事务内的未提交状态
		var account model.CreditAccount
		if err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		if account.CurrentCredits.LessThan(amount) {
			return ErrInsufficientCredits
		}
		return ErrOptimisticLock
	}

	return nil
}

// Credit 增加余额
func (r *AccountRepository) Credit(ctx context.Context, tx *gorm.DB, userID int64, amount decimal.Decimal) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"current_credits": gorm.Expr("current_credits + ?", amount),
			"total_earned":    gorm.Expr("total_earned + ?", amount),
			"version":         gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// GetOrCreate 获取账户，不存在则创建并发放注册赠送积分
// 注册可能被重复触发，用 ON CONFLICT DO NOTHING 保证只发放一次
func (r *AccountRepository) GetOrCreate(ctx context.Context, userID int64) (*model.CreditAccount, error) {
	account, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return account, nil
	}

	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	newAccount := &model.CreditAccount{
		UserID:         userID,
		CurrentCredits: model.SignupBonus,
		TotalEarned:    model.SignupBonus,
		TotalSpent:     decimal.Zero,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error

	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}
