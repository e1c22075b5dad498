package service

import (
	"fmt"
	"sync/atomic"
	"testing"

	"creditledger/internal/config"
	"creditledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBSeq int64

// newTestDB 每个测试独立的内存 SQLite 库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:svc_test_%d?mode=memory&cache=shared", atomic.AddInt64(&testDBSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}

	if err := db.AutoMigrate(&model.CreditAccount{}, &model.LedgerEntry{}, &model.OutboxMessage{}); err != nil {
		t.Fatalf("迁移表结构失败: %v", err)
	}
	return db
}

func newTestConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				SettlementResult: "credit.settlement.result",
				ReversalResult:   "credit.reversal.result",
				PublicationFee:   "credit.publication.fee",
			},
		},
		Business: config.BusinessConfig{MaxRetryCount: 3},
	}
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("非法金额 %q: %v", s, err)
	}
	return d
}

// seedAccount 直接落一条账户记录，余额与累计入账相同
func seedAccount(t *testing.T, db *gorm.DB, userID int64, credits string) {
	t.Helper()

	account := &model.CreditAccount{
		UserID:         userID,
		CurrentCredits: dec(t, credits),
		TotalEarned:    dec(t, credits),
		TotalSpent:     decimal.Zero,
	}
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("创建测试账户失败: %v", err)
	}
}

func accountOf(t *testing.T, db *gorm.DB, userID int64) *model.CreditAccount {
	t.Helper()

	var account model.CreditAccount
	if err := db.Where("user_id = ?", userID).First(&account).Error; err != nil {
		t.Fatalf("查询测试账户失败: userID=%d, err=%v", userID, err)
	}
	return &account
}

func bookingEntries(t *testing.T, db *gorm.DB, bookingID int64) []*model.LedgerEntry {
	t.Helper()

	var entries []*model.LedgerEntry
	if err := db.Where("booking_id = ?", bookingID).Order("id ASC").Find(&entries).Error; err != nil {
		t.Fatalf("查询流水失败: %v", err)
	}
	return entries
}

func countOutbox(t *testing.T, db *gorm.DB) int64 {
	t.Helper()

	var count int64
	if err := db.Model(&model.OutboxMessage{}).Count(&count).Error; err != nil {
		t.Fatalf("统计发件箱失败: %v", err)
	}
	return count
}

func equalDec(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if !got.Equal(want) {
		t.Fatalf("%s = %s, 期望 %s", name, got, want)
	}
}
