// Package ledger 余额流水与余额聚合
package ledger

import (
	"github.com/shopspring/decimal"
)

// State 流水状态
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateCancelled State = "cancelled"
)

// Terminal confirmed 与 cancelled 为终态
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateCancelled
}

// Action 流水类型
type Action string

const (
	ActionDeposit  Action = "deposit"
	ActionWithdraw Action = "withdraw"
	ActionTrade    Action = "trade"
	ActionGas      Action = "gas"
)

// Valid 是否为已知类型
func (a Action) Valid() bool {
	switch a {
	case ActionDeposit, ActionWithdraw, ActionTrade, ActionGas:
		return true
	}
	return false
}

// BalanceKey 账户余额主键
type BalanceKey struct {
	UserID    int64 `json:"userId"`
	AccountID int64 `json:"accountId"`
	AssetID   int64 `json:"assetId"`
}

// Entry 余额流水，amount 与 action 创建后不可变
type Entry struct {
	ID          int64           `json:"id,string"`
	UserID      int64           `json:"userId"`
	AccountID   int64           `json:"accountId"`
	AssetID     int64           `json:"assetId"`
	Amount      decimal.Decimal `json:"amount"`
	Action      Action          `json:"action"`
	Note        string          `json:"note,omitempty"`
	Identifier  string          `json:"identifier,omitempty"`
	State       State           `json:"state"`
	CreatedAtMs int64           `json:"createdAtMs"`
	UpdatedAtMs int64           `json:"updatedAtMs"`
}

// Key 所属余额主键
func (e *Entry) Key() BalanceKey {
	return BalanceKey{UserID: e.UserID, AccountID: e.AccountID, AssetID: e.AssetID}
}

// AccountBalance 账户余额（由流水推导）
type AccountBalance struct {
	BalanceKey
	TotalPending     decimal.Decimal `json:"totalPending"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	UpdatedAtMs      int64           `json:"updatedAtMs"`
}

// UserBalance 用户余额，为该用户该资产下所有 AccountBalance 之和
type UserBalance struct {
	UserID           int64           `json:"userId"`
	AssetID          int64           `json:"assetId"`
	TotalPending     decimal.Decimal `json:"totalPending"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	UpdatedAtMs      int64           `json:"updatedAtMs"`
}

// Totals 一个余额主键下的流水汇总
//
// Available = Σ confirmed + Σ 未取消的负向流水（扣款立即预留）
// Pending   = Σ pending
// PendingDebits = Σ pending 且 amount < 0，已同时计入 Available 与 Pending
type Totals struct {
	Available     decimal.Decimal
	Pending       decimal.Decimal
	PendingDebits decimal.Decimal
}

// Include 累加单条流水
func (t Totals) Include(e *Entry) Totals {
	negative := e.Amount.IsNegative()
	if e.State == StateConfirmed || (negative && e.State != StateCancelled) {
		t.Available = t.Available.Add(e.Amount)
	}
	if e.State == StatePending {
		t.Pending = t.Pending.Add(e.Amount)
		if negative {
			t.PendingDebits = t.PendingDebits.Add(e.Amount)
		}
	}
	return t
}

// Aggregate 从完整流水集合计算汇总
func Aggregate(entries []*Entry) Totals {
	var t Totals
	for _, e := range entries {
		t = t.Include(e)
	}
	return t
}

// Confirmed 已确认流水之和，不含 pending 扣款的预留
func (t Totals) Confirmed() decimal.Decimal {
	return t.Available.Sub(t.PendingDebits)
}

// Check 校验余额不变量。Available < 0 时区分原因：
// 已确认余额本身为负，或已确认余额不足以覆盖 pending 扣款的预留。
func (t Totals) Check(key BalanceKey) error {
	if !t.Available.IsNegative() {
		return nil
	}
	reason := ReasonNegativeAvailable
	if !t.Confirmed().IsNegative() {
		reason = ReasonPendingOverdraw
	}
	return &InvalidBalanceError{Key: key, Available: t.Available, Pending: t.Pending, Reason: reason}
}

// AccountBalance 转换为账户余额行
func (t Totals) AccountBalance(key BalanceKey, updatedAtMs int64) *AccountBalance {
	return &AccountBalance{
		BalanceKey:       key,
		TotalPending:     t.Pending,
		AvailableBalance: t.Available,
		UpdatedAtMs:      updatedAtMs,
	}
}

// SumAccountBalances 汇总用户余额
func SumAccountBalances(userID, assetID int64, rows []*AccountBalance, updatedAtMs int64) *UserBalance {
	ub := &UserBalance{UserID: userID, AssetID: assetID, UpdatedAtMs: updatedAtMs}
	for _, r := range rows {
		ub.TotalPending = ub.TotalPending.Add(r.TotalPending)
		ub.AvailableBalance = ub.AvailableBalance.Add(r.AvailableBalance)
	}
	return ub
}
