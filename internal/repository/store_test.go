package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/exchange/custody/internal/account"
	"github.com/exchange/custody/internal/ledger"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, Options{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}), mock
}

var casNonceSQL = regexp.QuoteMeta(`UPDATE custody.accounts SET last_nonce = $1, updated_at_ms = $2 WHERE id = $3 AND last_nonce = $4`)

func TestWithTx_RetriesSerializationFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(casNonceSQL).WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(casNonceSQL).WithArgs(int64(8), sqlmock.AnyArg(), int64(1), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	attempts := 0
	err := store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		attempts++
		ok, err := tx.CompareAndSwapNonce(ctx, 1, 7, 8)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("cas lost")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("with tx: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithTx_DoesNotRetryDomainErrors(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	balErr := &ledger.InvalidBalanceError{Reason: ledger.ReasonNegativeAvailable}
	attempts := 0
	err := store.WithTx(context.Background(), func(context.Context, ledger.Tx) error {
		attempts++
		return balErr
	})
	if !errors.Is(err, balErr) || attempts != 1 {
		t.Fatalf("expected single attempt with balance error, got attempts=%d err=%v", attempts, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithTx_GivesUpAfterMaxAttempts(t *testing.T) {
	store, mock := newMockStore(t)
	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40P01"})
	}

	err := store.WithTx(context.Background(), func(context.Context, ledger.Tx) error { return nil })
	if !IsRetryableTxError(err) {
		t.Fatalf("expected deadlock error after retries, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTryLock(t *testing.T) {
	store, mock := newMockStore(t)
	lockSQL := regexp.QuoteMeta(`UPDATE custody.accounts SET lock_expire_ms = $1, updated_at_ms = $2 WHERE id = $3 AND (lock_expire_ms IS NULL OR lock_expire_ms < $2)`)

	mock.ExpectExec(lockSQL).WithArgs(int64(31000), int64(1000), int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(lockSQL).WithArgs(int64(31001), int64(1001), int64(5)).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.TryLock(context.Background(), 5, 1000, 31000)
	if err != nil || !ok {
		t.Fatalf("expected lock, ok=%v err=%v", ok, err)
	}
	ok, err = store.TryLock(context.Background(), 5, 1001, 31001)
	if err != nil || ok {
		t.Fatalf("expected contention, ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUnlockMatchesLease(t *testing.T) {
	store, mock := newMockStore(t)
	unlockSQL := regexp.QuoteMeta(`UPDATE custody.accounts SET lock_expire_ms = NULL, updated_at_ms = $1 WHERE id = $2 AND lock_expire_ms = $3`)
	mock.ExpectExec(unlockSQL).WithArgs(sqlmock.AnyArg(), int64(5), int64(31000)).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.Unlock(context.Background(), 5, 31000)
	if err != nil || ok {
		t.Fatalf("expected no match, ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLastNonce_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT last_nonce FROM custody.accounts WHERE id = $1`)).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"last_nonce"}))

	if _, err := store.LastNonce(context.Background(), 9); !errors.Is(err, account.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSumEntries(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM custody.ledger_entries WHERE user_id = $1 AND account_id = $2 AND asset_id = $3`)).
		WithArgs(int64(1), int64(2), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"available", "pending", "pending_debits"}).AddRow("4.5", "-2", "-2"))
	mock.ExpectCommit()

	var got ledger.Totals
	err := store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		var err error
		got, err = tx.SumEntries(ctx, ledger.BalanceKey{UserID: 1, AccountID: 2, AssetID: 3})
		return err
	})
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if !got.Available.Equal(decimal.RequireFromString("4.5")) || !got.Pending.Equal(decimal.NewFromInt(-2)) {
		t.Fatalf("unexpected totals: %+v", got)
	}
}

func TestInsertEntry_DuplicateIdentifier(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO custody.ledger_entries`)).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "ledger_entries_asset_identifier_key"})
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.InsertEntry(ctx, &ledger.Entry{
			ID: 1, UserID: 1, AccountID: 1, AssetID: 1,
			Amount: decimal.NewFromInt(1), Action: ledger.ActionDeposit,
			Identifier: "0xabc", State: ledger.StateConfirmed,
		})
	})
	if !errors.Is(err, ledger.ErrDuplicateIdentifier) {
		t.Fatalf("expected ErrDuplicateIdentifier, got %v", err)
	}
}

func TestUpdateEntryState_CAS(t *testing.T) {
	store, mock := newMockStore(t)
	stateSQL := regexp.QuoteMeta(`UPDATE custody.ledger_entries SET state = $1, updated_at_ms = $2 WHERE id = $3 AND state = $4`)
	mock.ExpectBegin()
	mock.ExpectExec(stateSQL).WithArgs("confirmed", int64(10), int64(42), "pending").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var ok bool
	err := store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		var err error
		ok, err = tx.UpdateEntryState(ctx, 42, ledger.StatePending, ledger.StateConfirmed, 10)
		return err
	})
	if err != nil || ok {
		t.Fatalf("expected no-op CAS, ok=%v err=%v", ok, err)
	}
}

func TestGetAccountBalance_MissingIsZero(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM custody.account_balances`)).
		WillReturnRows(sqlmock.NewRows([]string{"total_pending", "available_balance", "updated_at_ms"}))

	b, err := store.GetAccountBalance(context.Background(), ledger.BalanceKey{UserID: 1, AccountID: 1, AssetID: 1})
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if !b.AvailableBalance.IsZero() || !b.TotalPending.IsZero() {
		t.Fatalf("expected zero balance, got %+v", b)
	}
}

func TestUpdateTransfer_StateSet(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE custody.transfers`)).
		WithArgs(sqlmock.AnyArg(), "0xhash", `{"0xold"}`, nil, 1, "broadcast", int64(5), int64(5), int64(77), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		ok, err := tx.UpdateTransfer(ctx, &ledger.Transfer{
			ID: 77, TxHash: "0xhash", PrevTxHashes: []string{"0xold"}, NumRetries: 1, State: ledger.TransferBroadcast,
			UpdatedAtMs: 5, BroadcastAtMs: 5,
		}, ledger.TransferPending)
		if err == nil && !ok {
			err = errors.New("expected update")
		}
		return err
	})
	if err != nil {
		t.Fatalf("update transfer: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
