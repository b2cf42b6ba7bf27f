package ledger

import (
	"github.com/shopspring/decimal"
)

// TransferState 链上转账状态
type TransferState string

const (
	TransferPending   TransferState = "pending"
	TransferBroadcast TransferState = "broadcast"
	TransferConfirmed TransferState = "confirmed"
	TransferFailed    TransferState = "failed"
)

// Transfer 出金链上交易记录，与其 pending 流水和 nonce 在同一事务中创建
type Transfer struct {
	ID            int64           `json:"id,string"`
	EntryID       int64           `json:"entryId,string"`
	UserID        int64           `json:"userId"`
	AccountID     int64           `json:"accountId"`
	AssetID       int64           `json:"assetId"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Value         decimal.Decimal `json:"value"`
	Nonce         int64           `json:"nonce"`
	ChainID       int64           `json:"chainId"`
	GasPriceWei   decimal.Decimal `json:"gasPriceWei"`
	TxHash        string          `json:"txHash,omitempty"`
	PrevTxHashes  []string        `json:"prevTxHashes,omitempty"`
	BlockNumber   int64           `json:"blockNumber,omitempty"`
	NumRetries    int             `json:"numRetries"`
	State         TransferState   `json:"state"`
	CreatedAtMs   int64           `json:"createdAtMs"`
	UpdatedAtMs   int64           `json:"updatedAtMs"`
	BroadcastAtMs int64           `json:"broadcastAtMs,omitempty"`
}

// Open 仍需确认器跟踪
func (t *Transfer) Open() bool {
	return t.State == TransferPending || t.State == TransferBroadcast
}

// TxHashes 当前哈希在前，其后为历次被替换的哈希；任何一个都可能上链
func (t *Transfer) TxHashes() []string {
	hashes := make([]string, 0, 1+len(t.PrevTxHashes))
	if t.TxHash != "" {
		hashes = append(hashes, t.TxHash)
	}
	for i := len(t.PrevTxHashes) - 1; i >= 0; i-- {
		hashes = append(hashes, t.PrevTxHashes[i])
	}
	return hashes
}

// Replace 重广播后换成新哈希，旧哈希保留
func (t *Transfer) Replace(txHash string) Transfer {
	next := *t
	next.PrevTxHashes = make([]string, 0, len(t.PrevTxHashes)+1)
	next.PrevTxHashes = append(next.PrevTxHashes, t.PrevTxHashes...)
	if t.TxHash != "" {
		next.PrevTxHashes = append(next.PrevTxHashes, t.TxHash)
	}
	next.TxHash = txHash
	return next
}

// Mined 以上链的哈希为准，其余哈希保留为历史
func (t *Transfer) Mined(txHash string) Transfer {
	next := *t
	if txHash == t.TxHash {
		return next
	}
	next.PrevTxHashes = make([]string, 0, len(t.PrevTxHashes)+1)
	for _, h := range t.PrevTxHashes {
		if h != txHash {
			next.PrevTxHashes = append(next.PrevTxHashes, h)
		}
	}
	if t.TxHash != "" {
		next.PrevTxHashes = append(next.PrevTxHashes, t.TxHash)
	}
	next.TxHash = txHash
	return next
}

// AssetType 资产类型
type AssetType string

const (
	AssetCoin  AssetType = "coin"
	AssetERC20 AssetType = "erc20"
)

// Asset 资产配置
type Asset struct {
	ID              int64     `json:"id"`
	Ticker          string    `json:"ticker"`
	Name            string    `json:"name"`
	Type            AssetType `json:"type"`
	Decimals        int32     `json:"decimals"`
	ContractAddress string    `json:"contractAddress,omitempty"`
}

// ToBaseUnits 转换为链上最小单位（向下取整）
func (a *Asset) ToBaseUnits(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(a.Decimals).Truncate(0)
}
