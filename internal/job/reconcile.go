package job

import (
	"context"
	"log"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/model"

	"gorm.io/gorm"
)

// ReconcileJob 账户对账任务
// 流水表是对账的核心依据，但逐条回放代价大；账户行自身携带恒等式：
//
//	current_credits == total_earned - total_spent
//
// （注册赠送积分计入 total_earned）。周期性扫描全部账户校验恒等式
// 与余额非负，发现不一致只告警，绝不自动修数——修正必须走冲正流水
type ReconcileJob struct {
	db        *gorm.DB
	cfg       *config.Config
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewReconcileJob(db *gorm.DB, cfg *config.Config) *ReconcileJob {
	interval := time.Duration(cfg.Business.ReconcileIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &ReconcileJob{
		db:        db,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: 500,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	log.Println("[Reconcile] 对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Reconcile] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[Reconcile] 任务停止")
			return
		case <-ticker.C:
			j.checkAccounts(ctx)
		}
	}
}

func (j *ReconcileJob) Stop() {
	close(j.stopCh)
}

func (j *ReconcileJob) checkAccounts(ctx context.Context) {
	var lastID int64
	checked := 0
	faults := 0

	for {
		var accounts []*model.CreditAccount
		err := j.db.WithContext(ctx).
			Where("id > ?", lastID).
			Order("id ASC").
			Limit(j.batchSize).
			Find(&accounts).Error
		if err != nil {
			log.Printf("[Reconcile] 扫描账户失败: %v", err)
			return
		}

		if len(accounts) == 0 {
			break
		}

		for _, account := range accounts {
			if !AccountConsistent(account) {
				faults++
				log.Printf("[Reconcile] 账户数据不一致: userID=%d, current=%s, earned=%s, spent=%s",
					account.UserID, account.CurrentCredits, account.TotalEarned, account.TotalSpent)
			}
			if account.CurrentCredits.IsNegative() {
				faults++
				log.Printf("[Reconcile] 账户余额为负: userID=%d, current=%s", account.UserID, account.CurrentCredits)
			}
		}

		checked += len(accounts)
		lastID = accounts[len(accounts)-1].ID
	}

	if faults > 0 {
		log.Printf("[Reconcile] 对账完成: checked=%d, faults=%d", checked, faults)
	}
}

// AccountConsistent 校验账户恒等式 current == earned - spent
func AccountConsistent(account *model.CreditAccount) bool {
	return account.CurrentCredits.Equal(account.TotalEarned.Sub(account.TotalSpent))
}
