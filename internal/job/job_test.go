package job

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"creditledger/internal/config"
	"creditledger/internal/model"
	"creditledger/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBSeq int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:job_test_%d?mode=memory&cache=shared", atomic.AddInt64(&testDBSeq, 1))
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
		Business: config.BusinessConfig{
			MaxRetryCount:            3,
			ReconcileIntervalMinutes: 10,
		},
	}
}

func seedOutboxMessage(t *testing.T, db *gorm.DB, topic string) *model.OutboxMessage {
	t.Helper()

	msg := &model.OutboxMessage{
		MessageKey: "100",
		Topic:      topic,
		Payload:    `{"booking_id":100}`,
		Status:     model.OutboxStatusPending,
	}
	if err := db.Create(msg).Error; err != nil {
		t.Fatalf("预置发件箱消息失败: %v", err)
	}
	return msg
}

func outboxMessage(t *testing.T, db *gorm.DB, id int64) *model.OutboxMessage {
	t.Helper()

	var msg model.OutboxMessage
	if err := db.First(&msg, id).Error; err != nil {
		t.Fatalf("查询发件箱消息失败: %v", err)
	}
	return &msg
}

func TestOutboxSenderDeliversPendingMessage(t *testing.T) {
	db := newTestDB(t)
	msg := seedOutboxMessage(t, db, "credit.settlement.result")

	var sentTopic, sentKey, sentValue string
	sender := NewOutboxSender(db, newTestConfig())
	sender.send = func(topic, key, value string) error {
		sentTopic, sentKey, sentValue = topic, key, value
		return nil
	}

	sender.processPendingMessages(context.Background())

	if sentTopic != msg.Topic || sentKey != msg.MessageKey || sentValue != msg.Payload {
		t.Fatalf("投递内容不匹配: topic=%s key=%s value=%s", sentTopic, sentKey, sentValue)
	}
	if got := outboxMessage(t, db, msg.ID); got.Status != model.OutboxStatusSent {
		t.Fatalf("消息状态 = %s, 期望 SENT", got.Status)
	}
}

func TestOutboxSenderRetriesOnFailure(t *testing.T) {
	db := newTestDB(t)
	msg := seedOutboxMessage(t, db, "credit.settlement.result")

	sender := NewOutboxSender(db, newTestConfig())
	sender.send = func(topic, key, value string) error {
		return errors.New("broker 不可用")
	}

	sender.processPendingMessages(context.Background())

	got := outboxMessage(t, db, msg.ID)
	if got.Status != model.OutboxStatusPending {
		t.Fatalf("消息状态 = %s, 首次失败后应保持 PENDING", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("重试次数 = %d, 期望 1", got.RetryCount)
	}
}

func TestOutboxSenderMarksFailedAfterMaxRetries(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	msg := seedOutboxMessage(t, db, "credit.settlement.result")

	sender := NewOutboxSender(db, cfg)
	sender.send = func(topic, key, value string) error {
		return errors.New("broker 不可用")
	}

	for i := 0; i < cfg.Business.MaxRetryCount; i++ {
		sender.processPendingMessages(context.Background())
	}

	got := outboxMessage(t, db, msg.ID)
	if got.Status != model.OutboxStatusFailed {
		t.Fatalf("消息状态 = %s, 超过最大重试次数应为 FAILED", got.Status)
	}

	// FAILED 消息不再被轮询到
	repo := repository.NewOutboxRepository(db)
	pending, err := repo.GetPendingMessages(context.Background(), 10)
	if err != nil {
		t.Fatalf("查询待投递消息失败: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("待投递消息数 = %d, 期望 0", len(pending))
	}
}

func TestOutboxSenderSkipsSentMessages(t *testing.T) {
	db := newTestDB(t)
	msg := seedOutboxMessage(t, db, "credit.settlement.result")

	sends := 0
	sender := NewOutboxSender(db, newTestConfig())
	sender.send = func(topic, key, value string) error {
		sends++
		return nil
	}

	sender.processPendingMessages(context.Background())
	sender.processPendingMessages(context.Background())

	if sends != 1 {
		t.Fatalf("投递次数 = %d, 已投递消息不应重复发送", sends)
	}
	if got := outboxMessage(t, db, msg.ID); got.Status != model.OutboxStatusSent {
		t.Fatalf("消息状态 = %s, 期望 SENT", got.Status)
	}
}

func TestAccountConsistent(t *testing.T) {
	dec := func(s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		if err != nil {
			t.Fatalf("非法金额 %q: %v", s, err)
		}
		return d
	}

	tests := []struct {
		name    string
		current string
		earned  string
		spent   string
		want    bool
	}{
		{"fresh account with signup bonus", "20", "20", "0", true},
		{"after settlement", "75", "100", "25", true},
		{"zero balance", "0", "25", "25", true},
		{"drifted balance", "76", "100", "25", false},
		{"missing ledger entry", "75", "100", "24", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account := &model.CreditAccount{
				CurrentCredits: dec(tt.current),
				TotalEarned:    dec(tt.earned),
				TotalSpent:     dec(tt.spent),
			}
			if got := AccountConsistent(account); got != tt.want {
				t.Fatalf("AccountConsistent = %v, 期望 %v", got, tt.want)
			}
		})
	}
}
