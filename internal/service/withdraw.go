package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/exchange/custody/internal/account"
	"github.com/exchange/custody/internal/client"
	"github.com/exchange/custody/internal/ledger"
	commonerrors "github.com/exchange/custody/pkg/errors"
	"github.com/exchange/custody/pkg/logger"
	"github.com/exchange/custody/pkg/tracing"
)

// InvalidRecipientError 收款地址非法或与付款地址相同
type InvalidRecipientError struct {
	From   string
	To     string
	Reason string
}

func (e *InvalidRecipientError) Error() string {
	return fmt.Sprintf("invalid recipient %q: %s", e.To, e.Reason)
}

func (e *InvalidRecipientError) ErrorCode() commonerrors.Code {
	return commonerrors.CodeInvalidRecipient
}

// WithdrawRequest 出金请求
type WithdrawRequest struct {
	UserID int64           `json:"userId"`
	Ticker string          `json:"ticker"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Value  decimal.Decimal `json:"value"`
	Note   string          `json:"note,omitempty"`
}

// transferSelector transfer(address,uint256)
var transferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// Withdraw 出金：锁内分配 nonce、写 pending 流水与转账记录，提交后广播。
// 广播结果未知时保持 pending，由确认器处理。
func (s *CustodyService) Withdraw(ctx context.Context, req *WithdrawRequest) (*ledger.Transfer, error) {
	if s.signer == nil || s.chain == nil {
		return nil, commonerrors.New(commonerrors.CodeUnsupportedOperation, "chain withdrawals are not configured")
	}
	if req == nil || !req.Value.IsPositive() {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "value must be positive")
	}
	from := strings.TrimSpace(req.From)
	to := strings.TrimSpace(req.To)
	if !common.IsHexAddress(to) {
		return nil, &InvalidRecipientError{From: from, To: to, Reason: "not a hex address"}
	}
	if common.HexToAddress(from) == common.HexToAddress(to) {
		return nil, &InvalidRecipientError{From: from, To: to, Reason: "recipient equals sender"}
	}

	asset, err := s.store.FindAssetByTicker(ctx, req.Ticker)
	if err != nil {
		return nil, err
	}
	acct, err := s.store.FindByAddress(ctx, from, asset.ID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, &account.UnknownAccountError{Address: from}
	}

	chainID, err := s.chain.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	gasPrice, err := s.chain.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}

	ctx, span := tracing.StartSpan(ctx, "custody.Withdraw")
	defer span.End()

	var transfer *ledger.Transfer
	err = s.locker.WithLock(ctx, acct.ID, func(ctx context.Context, _ *account.Lease) error {
		err := s.book.Do(ctx, func(ctx context.Context, w *ledger.Writer) error {
			nonce, err := account.FetchAndIncrement(ctx, w.Tx(), acct.ID)
			if err != nil {
				return err
			}
			entry, err := w.Insert(ctx, &ledger.Entry{
				UserID:    req.UserID,
				AccountID: acct.ID,
				AssetID:   asset.ID,
				Amount:    req.Value.Neg(),
				Action:    ledger.ActionWithdraw,
				Note:      req.Note,
				State:     ledger.StatePending,
			})
			if err != nil {
				return err
			}
			transfer = &ledger.Transfer{
				ID:          s.ids.NextID(),
				EntryID:     entry.ID,
				UserID:      req.UserID,
				AccountID:   acct.ID,
				AssetID:     asset.ID,
				From:        acct.Address,
				To:          to,
				Value:       req.Value,
				Nonce:       nonce,
				ChainID:     chainID,
				GasPriceWei: decimal.NewFromBigInt(gasPrice, 0),
				State:       ledger.TransferPending,
				CreatedAtMs: w.NowMs(),
				UpdatedAtMs: w.NowMs(),
			}
			return w.Tx().InsertTransfer(ctx, transfer)
		})
		if err != nil {
			return err
		}
		s.countOp("insert")
		return s.broadcast(ctx, transfer, asset)
	})
	if err != nil {
		tracing.SetError(span, err)
		return nil, err
	}
	return transfer, nil
}

// broadcast 首次广播。只有签名服务明确拒绝（4xx）才在锁内撤销：取消流水、转账置 failed、回退 nonce
func (s *CustodyService) broadcast(ctx context.Context, t *ledger.Transfer, asset *ledger.Asset) error {
	params, err := s.txParams(t, asset)
	if err != nil {
		return err
	}
	txHash, err := s.signer.SignAndBroadcast(ctx, params)
	if err == nil {
		updated := *t
		updated.TxHash = txHash
		updated.State = ledger.TransferBroadcast
		updated.BroadcastAtMs = s.now().UnixMilli()
		updated.UpdatedAtMs = updated.BroadcastAtMs
		if err := s.updateTransfer(ctx, &updated, ledger.TransferPending); err != nil {
			// 交易已广播，确认器会按 nonce 重新跟踪
			s.log.WithContext(ctx).WithError(err).Error("[CRITICAL] broadcast succeeded but transfer update failed", logger.Fields{
				"transferId": t.ID,
				"txHash":     txHash,
			})
			return nil
		}
		*t = updated
		return nil
	}

	if client.IsUnknownOutcome(err) {
		s.log.WithContext(ctx).WithError(err).Error("[CRITICAL] broadcast outcome unknown, leaving transfer pending", logger.Fields{
			"transferId": t.ID,
			"accountId":  t.AccountID,
			"nonce":      t.Nonce,
		})
		return nil
	}

	revertErr := s.book.Do(ctx, func(ctx context.Context, w *ledger.Writer) error {
		if _, err := w.Cancel(ctx, t.EntryID); err != nil {
			return err
		}
		failed := *t
		failed.State = ledger.TransferFailed
		failed.UpdatedAtMs = w.NowMs()
		ok, err := w.Tx().UpdateTransfer(ctx, &failed, ledger.TransferPending)
		if err != nil {
			return err
		}
		if !ok {
			return commonerrors.Newf(commonerrors.CodeInvalidState, "transfer %d is no longer pending", t.ID)
		}
		// 仍持有账户锁，回退未上链的 nonce 避免空洞
		return account.Rewind(ctx, w.Tx(), t.AccountID, t.Nonce)
	})
	if revertErr != nil {
		return errors.Join(err, fmt.Errorf("revert transfer %d: %w", t.ID, revertErr))
	}
	s.countOp("cancel")
	return err
}

func (s *CustodyService) updateTransfer(ctx context.Context, t *ledger.Transfer, from ...ledger.TransferState) error {
	return s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		ok, err := tx.UpdateTransfer(ctx, t, from...)
		if err != nil {
			return err
		}
		if !ok {
			return commonerrors.Newf(commonerrors.CodeInvalidState, "transfer %d is no longer %v", t.ID, from)
		}
		return nil
	})
}

// txParams 币种转账直接转 value，ERC20 调用合约 transfer(to, amount)
func (s *CustodyService) txParams(t *ledger.Transfer, asset *ledger.Asset) (*client.TxParams, error) {
	amount := asset.ToBaseUnits(t.Value)
	params := &client.TxParams{
		KeyRef:      strings.ToLower(t.From),
		From:        t.From,
		Nonce:       uint64(t.Nonce),
		ChainID:     t.ChainID,
		GasPriceWei: t.GasPriceWei.String(),
	}
	switch asset.Type {
	case ledger.AssetERC20:
		if !common.IsHexAddress(asset.ContractAddress) {
			return nil, commonerrors.Newf(commonerrors.CodeInternal, "asset %s has no contract address", asset.Ticker)
		}
		params.To = asset.ContractAddress
		params.Value = "0"
		params.Data = erc20TransferData(t.To, amount.BigInt())
		params.GasLimit = s.cfg.GasLimitToken
	default:
		params.To = t.To
		params.Value = amount.String()
		params.GasLimit = s.cfg.GasLimitCoin
	}
	return params, nil
}

func erc20TransferData(to string, amount *big.Int) string {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(to).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return hexutil.Encode(data)
}
