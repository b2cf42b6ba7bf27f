package ledger

import (
	"context"

	"github.com/exchange/custody/internal/account"
)

// Tx 事务内的存储操作
type Tx interface {
	account.NonceStore

	// InsertEntry 写入流水，(asset_id, identifier) 冲突时返回 ErrDuplicateIdentifier
	InsertEntry(ctx context.Context, e *Entry) error
	// GetEntryForUpdate 读取并锁定流水，不存在时返回 ErrEntryNotFound
	GetEntryForUpdate(ctx context.Context, id int64) (*Entry, error)
	// UpdateEntryState 条件更新状态，仅当当前状态为 from 时生效
	UpdateEntryState(ctx context.Context, id int64, from, to State, updatedAtMs int64) (bool, error)
	SumEntries(ctx context.Context, key BalanceKey) (Totals, error)
	UpsertAccountBalance(ctx context.Context, b *AccountBalance) error
	// RecomputeUserBalance 由 account_balances 重算用户余额并写回
	RecomputeUserBalance(ctx context.Context, userID, assetID, updatedAtMs int64) (*UserBalance, error)

	InsertTransfer(ctx context.Context, t *Transfer) error
	// UpdateTransfer 条件更新转账记录，仅当当前状态属于 from 时生效
	UpdateTransfer(ctx context.Context, t *Transfer, from ...TransferState) (bool, error)
}

// Store 流水存储
type Store interface {
	// WithTx 在可串行化事务中执行 fn，fn 返回错误时回滚
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetEntry(ctx context.Context, id int64) (*Entry, error)
	FindEntryByIdentifier(ctx context.Context, assetID int64, identifier string) (*Entry, error)
	ListEntries(ctx context.Context, key BalanceKey, limit int) ([]*Entry, error)
	// GetAccountBalance 未产生流水时返回零余额
	GetAccountBalance(ctx context.Context, key BalanceKey) (*AccountBalance, error)
	GetUserBalance(ctx context.Context, userID, assetID int64) (*UserBalance, error)

	GetTransfer(ctx context.Context, id int64) (*Transfer, error)
	ListOpenTransfers(ctx context.Context, limit int) ([]*Transfer, error)
}

// AssetStore 资产查询
type AssetStore interface {
	FindAssetByTicker(ctx context.Context, ticker string) (*Asset, error)
	GetAsset(ctx context.Context, id int64) (*Asset, error)
}
