package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/exchange/custody/internal/ledger"
)

const entryColumns = `id, user_id, account_id, asset_id, amount, action, note, identifier, state, created_at_ms, updated_at_ms`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*ledger.Entry, error) {
	var (
		e          ledger.Entry
		identifier sql.NullString
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.AccountID, &e.AssetID, &e.Amount, &e.Action,
		&e.Note, &identifier, &e.State, &e.CreatedAtMs, &e.UpdatedAtMs); err != nil {
		return nil, err
	}
	e.Identifier = identifier.String
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func getEntry(ctx context.Context, q querier, id int64, forUpdate bool) (*ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM custody.ledger_entries WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	e, err := scanEntry(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %d: %w", id, err)
	}
	return e, nil
}

// GetEntry 查询流水
func (s *Store) GetEntry(ctx context.Context, id int64) (*ledger.Entry, error) {
	return getEntry(ctx, s.db, id, false)
}

// FindEntryByIdentifier 按幂等标识查询
func (s *Store) FindEntryByIdentifier(ctx context.Context, assetID int64, identifier string) (*ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM custody.ledger_entries WHERE asset_id = $1 AND identifier = $2`
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, assetID, identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find entry by identifier: %w", err)
	}
	return e, nil
}

// ListEntries 按余额主键列出流水，最新在前
func (s *Store) ListEntries(ctx context.Context, key ledger.BalanceKey, limit int) ([]*ledger.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + entryColumns + `
		FROM custody.ledger_entries
		WHERE user_id = $1 AND account_id = $2 AND asset_id = $3
		ORDER BY id DESC
		LIMIT $4
	`
	rows, err := s.db.QueryContext(ctx, query, key.UserID, key.AccountID, key.AssetID, limit)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []*ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetAccountBalance 查询账户余额，无记录时返回零余额
func (s *Store) GetAccountBalance(ctx context.Context, key ledger.BalanceKey) (*ledger.AccountBalance, error) {
	query := `
		SELECT total_pending, available_balance, updated_at_ms
		FROM custody.account_balances
		WHERE user_id = $1 AND account_id = $2 AND asset_id = $3
	`
	b := &ledger.AccountBalance{BalanceKey: key}
	err := s.db.QueryRowContext(ctx, query, key.UserID, key.AccountID, key.AssetID).
		Scan(&b.TotalPending, &b.AvailableBalance, &b.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account balance: %w", err)
	}
	return b, nil
}

// GetUserBalance 查询用户余额，无记录时返回零余额
func (s *Store) GetUserBalance(ctx context.Context, userID, assetID int64) (*ledger.UserBalance, error) {
	query := `
		SELECT total_pending, available_balance, updated_at_ms
		FROM custody.user_balances
		WHERE user_id = $1 AND asset_id = $2
	`
	b := &ledger.UserBalance{UserID: userID, AssetID: assetID}
	err := s.db.QueryRowContext(ctx, query, userID, assetID).Scan(&b.TotalPending, &b.AvailableBalance, &b.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user balance: %w", err)
	}
	return b, nil
}

// ---- ledger.Tx ----

func (t *pgTx) InsertEntry(ctx context.Context, e *ledger.Entry) error {
	query := `
		INSERT INTO custody.ledger_entries
		(id, user_id, account_id, asset_id, amount, action, note, identifier, state, created_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := t.q.ExecContext(ctx, query,
		e.ID, e.UserID, e.AccountID, e.AssetID, e.Amount, string(e.Action), e.Note,
		nullString(e.Identifier), string(e.State), e.CreatedAtMs, e.UpdatedAtMs,
	)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateIdentifier
	}
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (t *pgTx) GetEntryForUpdate(ctx context.Context, id int64) (*ledger.Entry, error) {
	return getEntry(ctx, t.q, id, true)
}

func (t *pgTx) UpdateEntryState(ctx context.Context, id int64, from, to ledger.State, updatedAtMs int64) (bool, error) {
	query := `UPDATE custody.ledger_entries SET state = $1, updated_at_ms = $2 WHERE id = $3 AND state = $4`
	res, err := t.q.ExecContext(ctx, query, string(to), updatedAtMs, id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *pgTx) SumEntries(ctx context.Context, key ledger.BalanceKey) (ledger.Totals, error) {
	query := `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE state = 'confirmed' OR (amount < 0 AND state <> 'cancelled')), 0),
			COALESCE(SUM(amount) FILTER (WHERE state = 'pending'), 0),
			COALESCE(SUM(amount) FILTER (WHERE state = 'pending' AND amount < 0), 0)
		FROM custody.ledger_entries
		WHERE user_id = $1 AND account_id = $2 AND asset_id = $3
	`
	var totals ledger.Totals
	err := t.q.QueryRowContext(ctx, query, key.UserID, key.AccountID, key.AssetID).
		Scan(&totals.Available, &totals.Pending, &totals.PendingDebits)
	return totals, err
}

func (t *pgTx) UpsertAccountBalance(ctx context.Context, b *ledger.AccountBalance) error {
	query := `
		INSERT INTO custody.account_balances
		(user_id, account_id, asset_id, total_pending, available_balance, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, account_id, asset_id) DO UPDATE
		SET total_pending = EXCLUDED.total_pending,
		    available_balance = EXCLUDED.available_balance,
		    updated_at_ms = EXCLUDED.updated_at_ms
	`
	_, err := t.q.ExecContext(ctx, query, b.UserID, b.AccountID, b.AssetID, b.TotalPending, b.AvailableBalance, b.UpdatedAtMs)
	return err
}

func (t *pgTx) RecomputeUserBalance(ctx context.Context, userID, assetID, updatedAtMs int64) (*ledger.UserBalance, error) {
	query := `
		INSERT INTO custody.user_balances (user_id, asset_id, total_pending, available_balance, updated_at_ms)
		SELECT $1::BIGINT, $2::BIGINT, COALESCE(SUM(total_pending), 0), COALESCE(SUM(available_balance), 0), $3::BIGINT
		FROM custody.account_balances
		WHERE user_id = $1 AND asset_id = $2
		ON CONFLICT (user_id, asset_id) DO UPDATE
		SET total_pending = EXCLUDED.total_pending,
		    available_balance = EXCLUDED.available_balance,
		    updated_at_ms = EXCLUDED.updated_at_ms
		RETURNING total_pending, available_balance
	`
	ub := &ledger.UserBalance{UserID: userID, AssetID: assetID, UpdatedAtMs: updatedAtMs}
	if err := t.q.QueryRowContext(ctx, query, userID, assetID, updatedAtMs).Scan(&ub.TotalPending, &ub.AvailableBalance); err != nil {
		return nil, err
	}
	return ub, nil
}
