package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/exchange/custody/internal/account"
)

const accountColumns = `id, asset_id, address, last_nonce, lock_expire_ms, created_at_ms, updated_at_ms`

func scanAccount(row rowScanner) (*account.Account, error) {
	var (
		a      account.Account
		expire sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.AssetID, &a.Address, &a.LastNonce, &expire, &a.CreatedAtMs, &a.UpdatedAtMs); err != nil {
		return nil, err
	}
	a.LockExpireMs = expire.Int64
	return &a, nil
}

// FindByID 查询账户，不存在时返回 nil, nil
func (s *Store) FindByID(ctx context.Context, id int64) (*account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM custody.accounts WHERE id = $1`
	a, err := scanAccount(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find account %d: %w", id, err)
	}
	return a, nil
}

// FindByAddress 按地址与资产查询账户，不存在时返回 nil, nil
func (s *Store) FindByAddress(ctx context.Context, address string, assetID int64) (*account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM custody.accounts WHERE LOWER(address) = LOWER($1) AND asset_id = $2`
	a, err := scanAccount(s.db.QueryRowContext(ctx, query, address, assetID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find account by address: %w", err)
	}
	return a, nil
}

// TryLock 条件更新加锁，影响行数为 1 才算成功
func (s *Store) TryLock(ctx context.Context, id, nowMs, expireMs int64) (bool, error) {
	query := `
		UPDATE custody.accounts
		SET lock_expire_ms = $1, updated_at_ms = $2
		WHERE id = $3 AND (lock_expire_ms IS NULL OR lock_expire_ms < $2)
	`
	return execAffectedOne(ctx, s.db, query, expireMs, nowMs, id)
}

// Unlock 仅清除本租约设置的锁
func (s *Store) Unlock(ctx context.Context, id, expireMs int64) (bool, error) {
	query := `
		UPDATE custody.accounts
		SET lock_expire_ms = NULL, updated_at_ms = $1
		WHERE id = $2 AND lock_expire_ms = $3
	`
	return execAffectedOne(ctx, s.db, query, currentTimeMs(), id, expireMs)
}

// LockExpiry 读取当前锁过期时间
func (s *Store) LockExpiry(ctx context.Context, id int64) (int64, bool, error) {
	var expire sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT lock_expire_ms FROM custody.accounts WHERE id = $1`, id).Scan(&expire)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return expire.Int64, true, nil
}

func (s *Store) LastNonce(ctx context.Context, id int64) (int64, error) {
	return lastNonce(ctx, s.db, id)
}

func (s *Store) CompareAndSwapNonce(ctx context.Context, id, expected, next int64) (bool, error) {
	return casNonce(ctx, s.db, id, expected, next)
}

func (t *pgTx) LastNonce(ctx context.Context, id int64) (int64, error) {
	return lastNonce(ctx, t.q, id)
}

func (t *pgTx) CompareAndSwapNonce(ctx context.Context, id, expected, next int64) (bool, error) {
	return casNonce(ctx, t.q, id, expected, next)
}

func lastNonce(ctx context.Context, q querier, id int64) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, `SELECT last_nonce FROM custody.accounts WHERE id = $1`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, account.ErrNotFound
	}
	return n, err
}

func casNonce(ctx context.Context, q querier, id, expected, next int64) (bool, error) {
	query := `UPDATE custody.accounts SET last_nonce = $1, updated_at_ms = $2 WHERE id = $3 AND last_nonce = $4`
	return execAffectedOne(ctx, q, query, next, currentTimeMs(), id, expected)
}

func execAffectedOne(ctx context.Context, q querier, query string, args ...interface{}) (bool, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var _ account.Store = (*Store)(nil)
