package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/exchange/custody/internal/ledger"
)

const transferColumns = `id, entry_id, user_id, account_id, asset_id, from_address, to_address, value, nonce, chain_id,
	gas_price_wei, tx_hash, prev_tx_hashes, block_number, num_retries, state, created_at_ms, updated_at_ms, broadcast_at_ms`

var allTransferStates = []string{
	string(ledger.TransferPending), string(ledger.TransferBroadcast),
	string(ledger.TransferConfirmed), string(ledger.TransferFailed),
}

func scanTransfer(row rowScanner) (*ledger.Transfer, error) {
	var (
		t           ledger.Transfer
		txHash      sql.NullString
		blockNumber sql.NullInt64
		broadcastAt sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.EntryID, &t.UserID, &t.AccountID, &t.AssetID, &t.From, &t.To, &t.Value,
		&t.Nonce, &t.ChainID, &t.GasPriceWei, &txHash, pq.Array(&t.PrevTxHashes), &blockNumber, &t.NumRetries, &t.State,
		&t.CreatedAtMs, &t.UpdatedAtMs, &broadcastAt); err != nil {
		return nil, err
	}
	t.TxHash = txHash.String
	t.BlockNumber = blockNumber.Int64
	t.BroadcastAtMs = broadcastAt.Int64
	return &t, nil
}

// prevHashes 列为 NOT NULL，nil 切片写成空数组
func prevHashes(tr *ledger.Transfer) interface{} {
	if tr.PrevTxHashes == nil {
		return pq.Array([]string{})
	}
	return pq.Array(tr.PrevTxHashes)
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

// GetTransfer 查询转账记录
func (s *Store) GetTransfer(ctx context.Context, id int64) (*ledger.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM custody.transfers WHERE id = $1`
	t, err := scanTransfer(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer %d: %w", id, err)
	}
	return t, nil
}

// ListOpenTransfers 待确认的转账，按创建顺序
func (s *Store) ListOpenTransfers(ctx context.Context, limit int) ([]*ledger.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + transferColumns + `
		FROM custody.transfers
		WHERE state = ANY($1)
		ORDER BY id ASC
		LIMIT $2
	`
	open := []string{string(ledger.TransferPending), string(ledger.TransferBroadcast)}
	rows, err := s.db.QueryContext(ctx, query, pq.Array(open), limit)
	if err != nil {
		return nil, fmt.Errorf("query open transfers: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertTransfer(ctx context.Context, tr *ledger.Transfer) error {
	query := `
		INSERT INTO custody.transfers
		(id, entry_id, user_id, account_id, asset_id, from_address, to_address, value, nonce, chain_id,
		 gas_price_wei, tx_hash, prev_tx_hashes, block_number, num_retries, state, created_at_ms, updated_at_ms, broadcast_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := t.q.ExecContext(ctx, query,
		tr.ID, tr.EntryID, tr.UserID, tr.AccountID, tr.AssetID, tr.From, tr.To, tr.Value, tr.Nonce, tr.ChainID,
		tr.GasPriceWei, nullString(tr.TxHash), prevHashes(tr), nullInt64(tr.BlockNumber), tr.NumRetries, string(tr.State),
		tr.CreatedAtMs, tr.UpdatedAtMs, nullInt64(tr.BroadcastAtMs),
	)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

// UpdateTransfer 状态 CAS 更新
func (t *pgTx) UpdateTransfer(ctx context.Context, tr *ledger.Transfer, from ...ledger.TransferState) (bool, error) {
	states := allTransferStates
	if len(from) > 0 {
		states = make([]string, len(from))
		for i, s := range from {
			states[i] = string(s)
		}
	}
	query := `
		UPDATE custody.transfers
		SET gas_price_wei = $1, tx_hash = $2, prev_tx_hashes = $3, block_number = $4, num_retries = $5, state = $6,
		    updated_at_ms = $7, broadcast_at_ms = $8
		WHERE id = $9 AND state = ANY($10)
	`
	return execAffectedOne(ctx, t.q, query,
		tr.GasPriceWei, nullString(tr.TxHash), prevHashes(tr), nullInt64(tr.BlockNumber), tr.NumRetries, string(tr.State),
		tr.UpdatedAtMs, nullInt64(tr.BroadcastAtMs), tr.ID, pq.Array(states),
	)
}
