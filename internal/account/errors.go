package account

import (
	"fmt"

	commonerrors "github.com/exchange/custody/pkg/errors"
)

// LockAcquisitionError 账户已被锁定
type LockAcquisitionError struct {
	AccountID     int64
	ExpireMs      int64
	AttemptedAtMs int64
}

func (e *LockAcquisitionError) Error() string {
	return fmt.Sprintf("account %d is locked until %d (attempted at %d)", e.AccountID, e.ExpireMs, e.AttemptedAtMs)
}

func (e *LockAcquisitionError) ErrorCode() commonerrors.Code {
	return commonerrors.CodeLockAcquisition
}

// LockReleaseError 锁已过期或被他人释放
type LockReleaseError struct {
	AccountID int64
	ExpireMs  int64
}

func (e *LockReleaseError) Error() string {
	return fmt.Sprintf("account %d: lock with expiry %d no longer held", e.AccountID, e.ExpireMs)
}

func (e *LockReleaseError) ErrorCode() commonerrors.Code {
	return commonerrors.CodeLockRelease
}

// AccountBusyError nonce CAS 失败
type AccountBusyError struct {
	AccountID     int64
	ExpectedNonce int64
}

func (e *AccountBusyError) Error() string {
	return fmt.Sprintf("account %d is busy: nonce moved past %d", e.AccountID, e.ExpectedNonce)
}

func (e *AccountBusyError) ErrorCode() commonerrors.Code {
	return commonerrors.CodeAccountBusy
}

// UnknownAccountError 账户不存在
type UnknownAccountError struct {
	AccountID int64
	Address   string
}

func (e *UnknownAccountError) Error() string {
	if e.Address != "" {
		return fmt.Sprintf("unknown account address %s", e.Address)
	}
	return fmt.Sprintf("unknown account %d", e.AccountID)
}

func (e *UnknownAccountError) ErrorCode() commonerrors.Code {
	return commonerrors.CodeUnknownAccount
}
