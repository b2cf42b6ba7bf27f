package service

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/exchange/custody/internal/account"
	"github.com/exchange/custody/internal/ledger"
	commonerrors "github.com/exchange/custody/pkg/errors"
	"github.com/exchange/custody/pkg/logger"
	"github.com/exchange/custody/pkg/tracing"
)

// TransferRequest 记录一笔 pending 流水
type TransferRequest struct {
	UserID     int64           `json:"userId"`
	AccountID  int64           `json:"accountId"`
	AssetID    int64           `json:"assetId"`
	Amount     decimal.Decimal `json:"amount"`
	Action     ledger.Action   `json:"action,omitempty"`
	Note       string          `json:"note,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
}

// RecordPendingTransfer 在账户锁内写入 pending 流水；负数金额立即占用可用余额
func (s *CustodyService) RecordPendingTransfer(ctx context.Context, req *TransferRequest) (*ledger.Entry, error) {
	if req == nil {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "request is required")
	}
	action := req.Action
	if action == "" {
		action = ledger.ActionDeposit
		if req.Amount.IsNegative() {
			action = ledger.ActionWithdraw
		}
	}
	if err := s.checkAccount(ctx, req.AccountID, req.AssetID); err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "custody.RecordPendingTransfer")
	defer span.End()

	var entry *ledger.Entry
	err := s.locker.WithLock(ctx, req.AccountID, func(ctx context.Context, _ *account.Lease) error {
		var err error
		entry, err = s.book.Insert(ctx, &ledger.Entry{
			UserID:     req.UserID,
			AccountID:  req.AccountID,
			AssetID:    req.AssetID,
			Amount:     req.Amount,
			Action:     action,
			Note:       req.Note,
			Identifier: strings.TrimSpace(req.Identifier),
			State:      ledger.StatePending,
		})
		return err
	})
	if err != nil {
		tracing.SetError(span, err)
		return nil, err
	}
	s.countOp("insert")
	return entry, nil
}

// ConfirmTransfer pending -> confirmed
func (s *CustodyService) ConfirmTransfer(ctx context.Context, entryID int64) (*ledger.Entry, error) {
	return s.settle(ctx, entryID, ledger.StateConfirmed)
}

// CancelTransfer pending -> cancelled，释放占用
func (s *CustodyService) CancelTransfer(ctx context.Context, entryID int64) (*ledger.Entry, error) {
	return s.settle(ctx, entryID, ledger.StateCancelled)
}

func (s *CustodyService) settle(ctx context.Context, entryID int64, target ledger.State) (*ledger.Entry, error) {
	current, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if current.State != ledger.StatePending {
		return nil, &ledger.InvalidStateError{EntryID: entryID, State: current.State, Target: target}
	}

	var entry *ledger.Entry
	err = s.locker.WithLock(ctx, current.AccountID, func(ctx context.Context, _ *account.Lease) error {
		var err error
		if target == ledger.StateConfirmed {
			entry, err = s.book.Confirm(ctx, entryID)
		} else {
			entry, err = s.book.Cancel(ctx, entryID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if target == ledger.StateConfirmed {
		s.countOp("confirm")
	} else {
		s.countOp("cancel")
	}
	return entry, nil
}

// DepositRequest 链上入账
type DepositRequest struct {
	UserID    int64           `json:"userId"`
	AccountID int64           `json:"accountId"`
	AssetID   int64           `json:"assetId"`
	Amount    decimal.Decimal `json:"amount"`
	TxHash    string          `json:"txHash"`
}

// RecordDeposit 以交易哈希为幂等键写入 confirmed 入账；重复提交返回已有流水
func (s *CustodyService) RecordDeposit(ctx context.Context, req *DepositRequest) (*ledger.Entry, error) {
	if req == nil || !req.Amount.IsPositive() {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "deposit amount must be positive")
	}
	txHash := strings.ToLower(strings.TrimSpace(req.TxHash))
	if txHash == "" {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "txHash is required")
	}

	existing, err := s.store.FindEntryByIdentifier(ctx, req.AssetID, txHash)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ledger.ErrEntryNotFound) {
		return nil, err
	}
	if err := s.checkAccount(ctx, req.AccountID, req.AssetID); err != nil {
		return nil, err
	}

	var entry *ledger.Entry
	err = s.locker.WithLock(ctx, req.AccountID, func(ctx context.Context, _ *account.Lease) error {
		var err error
		entry, err = s.book.Insert(ctx, &ledger.Entry{
			UserID:     req.UserID,
			AccountID:  req.AccountID,
			AssetID:    req.AssetID,
			Amount:     req.Amount,
			Action:     ledger.ActionDeposit,
			Identifier: txHash,
			State:      ledger.StateConfirmed,
		})
		return err
	})
	if errors.Is(err, ledger.ErrDuplicateIdentifier) {
		return s.store.FindEntryByIdentifier(ctx, req.AssetID, txHash)
	}
	if err != nil {
		return nil, err
	}
	s.countOp("insert")
	s.log.WithContext(ctx).Info("deposit recorded", logger.Fields{
		"entryId": entry.ID,
		"userId":  entry.UserID,
		"amount":  entry.Amount.String(),
		"txHash":  txHash,
	})
	return entry, nil
}

// checkAccount 账户必须存在且属于该资产
func (s *CustodyService) checkAccount(ctx context.Context, accountID, assetID int64) error {
	acct, err := s.store.FindByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acct == nil || acct.AssetID != assetID {
		return &account.UnknownAccountError{AccountID: accountID}
	}
	return nil
}
