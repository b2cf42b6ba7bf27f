package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	commonerrors "github.com/exchange/custody/pkg/errors"
)

const (
	ReasonNegativeAvailable = "available balance cannot be less than zero"
	ReasonPendingOverdraw   = "pending overdraw"
)

var (
	ErrDuplicateIdentifier = commonerrors.New(commonerrors.CodeIdempotencyConflict, "ledger entry identifier already exists for asset")
	ErrEntryNotFound       = commonerrors.New(commonerrors.CodeNotFound, "ledger entry not found")
	ErrTransferNotFound    = commonerrors.New(commonerrors.CodeNotFound, "transfer not found")
	ErrAssetNotFound       = commonerrors.New(commonerrors.CodeNotFound, "asset not found")
)

// InvalidBalanceError 余额不变量被破坏，整笔事务回滚
type InvalidBalanceError struct {
	Key       BalanceKey
	Available decimal.Decimal
	Pending   decimal.Decimal
	Reason    string
}

func (e *InvalidBalanceError) Error() string {
	return fmt.Sprintf("invalid balance user=%d account=%d asset=%d: %s (available=%s pending=%s)",
		e.Key.UserID, e.Key.AccountID, e.Key.AssetID, e.Reason, e.Available.String(), e.Pending.String())
}

func (e *InvalidBalanceError) ErrorCode() commonerrors.Code {
	return commonerrors.CodeInvalidBalance
}

// InvalidStateError 非法状态迁移
type InvalidStateError struct {
	EntryID int64
	State   State
	Target  State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("ledger entry %d: cannot move from %q to %q", e.EntryID, e.State, e.Target)
}

func (e *InvalidStateError) ErrorCode() commonerrors.Code {
	return commonerrors.CodeInvalidState
}
