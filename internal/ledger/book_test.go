package ledger_test

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/exchange/custody/internal/account"
	"github.com/exchange/custody/internal/ledger"
	"github.com/exchange/custody/internal/repository/memory"
)

type seqIDs struct{ n int64 }

func (s *seqIDs) NextID() int64 { return atomic.AddInt64(&s.n, 1) }

type recordingObserver struct{ events []ledger.Event }

func (o *recordingObserver) Publish(_ context.Context, events []ledger.Event) {
	o.events = append(o.events, events...)
}

var key = ledger.BalanceKey{UserID: 7, AccountID: 1, AssetID: 2}

func newBook(t *testing.T) (*ledger.Book, *memory.Store) {
	t.Helper()
	store := memory.New()
	store.AddAccount(&account.Account{ID: 1, AssetID: 2, Address: "0xabc"})
	return ledger.NewBook(store, &seqIDs{}), store
}

func entry(amount string, action ledger.Action, state ledger.State) *ledger.Entry {
	return &ledger.Entry{
		UserID:    key.UserID,
		AccountID: key.AccountID,
		AssetID:   key.AssetID,
		Amount:    decimal.RequireFromString(amount),
		Action:    action,
		State:     state,
	}
}

func balance(t *testing.T, store *memory.Store) *ledger.AccountBalance {
	t.Helper()
	b, err := store.GetAccountBalance(context.Background(), key)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return b
}

func expectBalance(t *testing.T, store *memory.Store, available, pending string) {
	t.Helper()
	b := balance(t, store)
	if !b.AvailableBalance.Equal(decimal.RequireFromString(available)) || !b.TotalPending.Equal(decimal.RequireFromString(pending)) {
		t.Fatalf("expected available=%s pending=%s, got available=%s pending=%s",
			available, pending, b.AvailableBalance, b.TotalPending)
	}
}

func TestBook_PendingDebitReservesImmediately(t *testing.T) {
	ctx := context.Background()
	book, store := newBook(t)

	if _, err := book.Insert(ctx, entry("10", ledger.ActionDeposit, ledger.StateConfirmed)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	expectBalance(t, store, "10", "0")

	w, err := book.Insert(ctx, entry("-10", ledger.ActionWithdraw, ledger.StatePending))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	expectBalance(t, store, "0", "-10")

	if _, err := book.Confirm(ctx, w.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	expectBalance(t, store, "0", "0")
}

func TestBook_NoOverdraw(t *testing.T) {
	ctx := context.Background()
	book, store := newBook(t)

	if _, err := book.Insert(ctx, entry("10", ledger.ActionDeposit, ledger.StateConfirmed)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := book.Insert(ctx, entry("-6", ledger.ActionWithdraw, ledger.StatePending)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	_, err := book.Insert(ctx, entry("-5", ledger.ActionWithdraw, ledger.StatePending))
	var balErr *ledger.InvalidBalanceError
	if !errors.As(err, &balErr) {
		t.Fatalf("expected InvalidBalanceError, got %v", err)
	}
	if balErr.Reason != ledger.ReasonPendingOverdraw {
		t.Fatalf("unexpected reason: %s", balErr.Reason)
	}
	expectBalance(t, store, "4", "-6")

	entries, _ := store.ListEntries(ctx, key, 0)
	if len(entries) != 2 {
		t.Fatalf("rejected entry must be rolled back, have %d entries", len(entries))
	}
}

func TestBook_PendingCreditIsNotSpendable(t *testing.T) {
	ctx := context.Background()
	book, store := newBook(t)

	credit, err := book.Insert(ctx, entry("5", ledger.ActionDeposit, ledger.StatePending))
	if err != nil {
		t.Fatalf("pending deposit: %v", err)
	}
	expectBalance(t, store, "0", "5")

	if _, err := book.Insert(ctx, entry("-1", ledger.ActionWithdraw, ledger.StatePending)); err == nil {
		t.Fatal("expected pending credit to be unspendable")
	}

	if _, err := book.Confirm(ctx, credit.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	expectBalance(t, store, "5", "0")
}

func TestBook_CancelReleasesReservation(t *testing.T) {
	ctx := context.Background()
	book, store := newBook(t)

	if _, err := book.Insert(ctx, entry("3", ledger.ActionDeposit, ledger.StateConfirmed)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	w, err := book.Insert(ctx, entry("-3", ledger.ActionWithdraw, ledger.StatePending))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	got, err := book.Cancel(ctx, w.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.State != ledger.StateCancelled {
		t.Fatalf("expected cancelled, got %s", got.State)
	}
	expectBalance(t, store, "3", "0")
}

func TestBook_TerminalStates(t *testing.T) {
	ctx := context.Background()
	book, store := newBook(t)

	if _, err := book.Insert(ctx, entry("10", ledger.ActionDeposit, ledger.StateConfirmed)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	confirmed, _ := book.Insert(ctx, entry("-2", ledger.ActionWithdraw, ledger.StatePending))
	cancelled, _ := book.Insert(ctx, entry("-3", ledger.ActionWithdraw, ledger.StatePending))
	if _, err := book.Confirm(ctx, confirmed.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := book.Cancel(ctx, cancelled.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	before := balance(t, store)

	for _, id := range []int64{confirmed.ID, cancelled.ID} {
		for name, op := range map[string]func(context.Context, int64) (*ledger.Entry, error){
			"confirm": book.Confirm,
			"cancel":  book.Cancel,
		} {
			_, err := op(ctx, id)
			var stateErr *ledger.InvalidStateError
			if !errors.As(err, &stateErr) {
				t.Fatalf("%s on terminal entry %d: expected InvalidStateError, got %v", name, id, err)
			}
		}
	}

	after := balance(t, store)
	if !before.AvailableBalance.Equal(after.AvailableBalance) || !before.TotalPending.Equal(after.TotalPending) {
		t.Fatalf("balance changed by failed transition: %+v -> %+v", before, after)
	}
}

func TestBook_InsertRejectsCancelled(t *testing.T) {
	book, _ := newBook(t)
	_, err := book.Insert(context.Background(), entry("1", ledger.ActionDeposit, ledger.StateCancelled))
	var stateErr *ledger.InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestBook_DuplicateIdentifier(t *testing.T) {
	ctx := context.Background()
	book, _ := newBook(t)

	e := entry("1", ledger.ActionDeposit, ledger.StateConfirmed)
	e.Identifier = "0xdeadbeef"
	if _, err := book.Insert(ctx, e); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	e2 := entry("1", ledger.ActionDeposit, ledger.StateConfirmed)
	e2.Identifier = "0xdeadbeef"
	if _, err := book.Insert(ctx, e2); !errors.Is(err, ledger.ErrDuplicateIdentifier) {
		t.Fatalf("expected ErrDuplicateIdentifier, got %v", err)
	}
}

func TestBook_UserBalanceSumsAccounts(t *testing.T) {
	ctx := context.Background()
	book, store := newBook(t)

	if _, err := book.Insert(ctx, entry("4", ledger.ActionDeposit, ledger.StateConfirmed)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	other := entry("6", ledger.ActionDeposit, ledger.StatePending)
	other.AccountID = 9
	if _, err := book.Insert(ctx, other); err != nil {
		t.Fatalf("deposit other account: %v", err)
	}

	ub, err := store.GetUserBalance(ctx, key.UserID, key.AssetID)
	if err != nil {
		t.Fatalf("user balance: %v", err)
	}
	if !ub.AvailableBalance.Equal(decimal.NewFromInt(4)) || !ub.TotalPending.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("unexpected user balance: %+v", ub)
	}
}

func TestBook_DoIsAtomic(t *testing.T) {
	ctx := context.Background()
	book, store := newBook(t)
	obs := &recordingObserver{}
	book.SetObserver(obs)

	if _, err := book.Insert(ctx, entry("5", ledger.ActionDeposit, ledger.StateConfirmed)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	err := book.Do(ctx, func(ctx context.Context, w *ledger.Writer) error {
		if _, err := w.Insert(ctx, entry("-5", ledger.ActionTrade, ledger.StateConfirmed)); err != nil {
			return err
		}
		_, err := w.Insert(ctx, entry("-1", ledger.ActionGas, ledger.StateConfirmed))
		return err
	})
	if err == nil {
		t.Fatal("expected second leg to fail")
	}
	expectBalance(t, store, "5", "0")
	if len(obs.events) != 1 {
		t.Fatalf("observer must only see committed changes, got %d events", len(obs.events))
	}
}

func TestBook_RandomSequenceKeepsInvariants(t *testing.T) {
	ctx := context.Background()
	book, store := newBook(t)
	rng := rand.New(rand.NewSource(42))

	var pending []int64
	for i := 0; i < 300; i++ {
		switch op := rng.Intn(4); {
		case op == 0 || len(pending) == 0:
			amt := decimal.NewFromInt(int64(rng.Intn(20) - 10))
			if amt.IsZero() {
				continue
			}
			state := ledger.StatePending
			if rng.Intn(2) == 0 {
				state = ledger.StateConfirmed
			}
			e, err := book.Insert(ctx, &ledger.Entry{
				UserID: key.UserID, AccountID: key.AccountID, AssetID: key.AssetID,
				Amount: amt, Action: ledger.ActionTrade, State: state,
			})
			if err == nil && e.State == ledger.StatePending {
				pending = append(pending, e.ID)
			}
		case op == 1:
			idx := rng.Intn(len(pending))
			if _, err := book.Confirm(ctx, pending[idx]); err == nil {
				pending = append(pending[:idx], pending[idx+1:]...)
			}
		default:
			idx := rng.Intn(len(pending))
			if _, err := book.Cancel(ctx, pending[idx]); err == nil {
				pending = append(pending[:idx], pending[idx+1:]...)
			}
		}

		b := balance(t, store)
		if b.AvailableBalance.IsNegative() {
			t.Fatalf("step %d: available went negative: %s", i, b.AvailableBalance)
		}
		entries, _ := store.ListEntries(ctx, key, 0)
		want := ledger.Aggregate(entries)
		if !want.Available.Equal(b.AvailableBalance) || !want.Pending.Equal(b.TotalPending) {
			t.Fatalf("step %d: stored balance %+v diverged from entries %+v", i, b, want)
		}
		if want.Confirmed().IsNegative() {
			t.Fatalf("step %d: confirmed balance went negative: %s", i, want.Confirmed())
		}
	}
}
