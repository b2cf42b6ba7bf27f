package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/exchange/custody/internal/ledger"
)

const assetColumns = `id, ticker, name, type, decimals, contract_address`

func scanAsset(row rowScanner) (*ledger.Asset, error) {
	var (
		a        ledger.Asset
		contract sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Ticker, &a.Name, &a.Type, &a.Decimals, &contract); err != nil {
		return nil, err
	}
	a.ContractAddress = contract.String
	return &a, nil
}

// FindAssetByTicker 按代码查询资产
func (s *Store) FindAssetByTicker(ctx context.Context, ticker string) (*ledger.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM custody.assets WHERE UPPER(ticker) = UPPER($1)`
	a, err := scanAsset(s.db.QueryRowContext(ctx, query, ticker))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAssetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find asset %s: %w", ticker, err)
	}
	return a, nil
}

// GetAsset 按 ID 查询资产
func (s *Store) GetAsset(ctx context.Context, id int64) (*ledger.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM custody.assets WHERE id = $1`
	a, err := scanAsset(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAssetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get asset %d: %w", id, err)
	}
	return a, nil
}
