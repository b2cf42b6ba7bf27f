// Package account 链上账户租约锁与 nonce 分配
package account

import (
	"context"
	"errors"
)

// ErrNotFound 账户不存在
var ErrNotFound = errors.New("account not found")

// Account 链上账户，LockExpireMs 为 0 表示未加锁
type Account struct {
	ID           int64  `json:"id"`
	AssetID      int64  `json:"assetId"`
	Address      string `json:"address"`
	LastNonce    int64  `json:"lastNonce"`
	LockExpireMs int64  `json:"lockExpireMs,omitempty"`
	CreatedAtMs  int64  `json:"createdAtMs"`
	UpdatedAtMs  int64  `json:"updatedAtMs"`
}

// NonceStore nonce 读取与 CAS
type NonceStore interface {
	// LastNonce 账户不存在时返回 ErrNotFound
	LastNonce(ctx context.Context, accountID int64) (int64, error)
	// CompareAndSwapNonce 仅当 last_nonce = expected 时更新为 next
	CompareAndSwapNonce(ctx context.Context, accountID, expected, next int64) (bool, error)
}

// Store 账户存储
type Store interface {
	NonceStore

	// FindByID 不存在时返回 nil, nil
	FindByID(ctx context.Context, id int64) (*Account, error)
	// FindByAddress 不存在时返回 nil, nil
	FindByAddress(ctx context.Context, address string, assetID int64) (*Account, error)
	// TryLock 仅当未加锁或锁已过期时设置 lock_expire_ms = expireMs
	TryLock(ctx context.Context, id, nowMs, expireMs int64) (bool, error)
	// Unlock 仅当 lock_expire_ms = expireMs 时清空
	Unlock(ctx context.Context, id, expireMs int64) (bool, error)
	LockExpiry(ctx context.Context, id int64) (expireMs int64, found bool, err error)
}

// FetchAndIncrement 分配下一个 nonce，CAS 失败说明锁纪律被破坏
func FetchAndIncrement(ctx context.Context, store NonceStore, accountID int64) (int64, error) {
	n, err := store.LastNonce(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return 0, &UnknownAccountError{AccountID: accountID}
	}
	if err != nil {
		return 0, err
	}

	ok, err := store.CompareAndSwapNonce(ctx, accountID, n, n+1)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &AccountBusyError{AccountID: accountID, ExpectedNonce: n}
	}
	return n + 1, nil
}

// Rewind 归还刚分配但未上链的 nonce，只能在持锁时调用
func Rewind(ctx context.Context, store NonceStore, accountID, nonce int64) error {
	ok, err := store.CompareAndSwapNonce(ctx, accountID, nonce, nonce-1)
	if err != nil {
		return err
	}
	if !ok {
		return &AccountBusyError{AccountID: accountID, ExpectedNonce: nonce}
	}
	return nil
}
