package service

import "errors"

// 结算引擎对外的错误分类
// 余额不足 / 账户不存在 / 乐观锁冲突沿用仓储层的哨兵错误（repository 包），
// 这里补充引擎自身的分类：
//   - ErrInvalidAmount: 参数不合法，事务开始前就被拒绝，不产生任何写入
//   - ErrTransactionFailure: 事务无法提交（存储故障、锁冲突耗尽），已整体回滚，可重试
//   - ErrSettlementNotFound: 对从未结算过的预订发起冲正
var (
	ErrInvalidAmount      = errors.New("金额或标识参数不合法")
	ErrTransactionFailure = errors.New("结算事务执行失败，请稍后重试")
	ErrSettlementNotFound = errors.New("未找到该预订的结算记录")
)
