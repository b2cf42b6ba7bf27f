package memory

import (
	"context"

	"github.com/exchange/custody/internal/ledger"
)

// tx 事务句柄，每次写入登记一条撤销操作
type tx struct {
	s    *Store
	undo []func()
}

func (t *tx) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) LastNonce(ctx context.Context, id int64) (int64, error) {
	return t.s.LastNonce(ctx, id)
}

func (t *tx) CompareAndSwapNonce(_ context.Context, id, expected, next int64) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if !t.s.casNonce(id, expected, next) {
		return false, nil
	}
	t.undo = append(t.undo, func() { t.s.accounts[id].LastNonce = expected })
	return true, nil
}

func (t *tx) InsertEntry(_ context.Context, e *ledger.Entry) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if e.Identifier != "" {
		k := identKey{e.AssetID, e.Identifier}
		if _, dup := t.s.identifiers[k]; dup {
			return ledger.ErrDuplicateIdentifier
		}
		t.s.identifiers[k] = e.ID
		t.undo = append(t.undo, func() { delete(t.s.identifiers, k) })
	}
	cp := *e
	t.s.entries[e.ID] = &cp
	id := e.ID
	t.undo = append(t.undo, func() { delete(t.s.entries, id) })
	return nil
}

func (t *tx) GetEntryForUpdate(ctx context.Context, id int64) (*ledger.Entry, error) {
	return t.s.GetEntry(ctx, id)
}

func (t *tx) UpdateEntryState(_ context.Context, id int64, from, to ledger.State, updatedAtMs int64) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	e, ok := t.s.entries[id]
	if !ok || e.State != from {
		return false, nil
	}
	prevUpdated := e.UpdatedAtMs
	e.State = to
	e.UpdatedAtMs = updatedAtMs
	t.undo = append(t.undo, func() {
		e.State = from
		e.UpdatedAtMs = prevUpdated
	})
	return true, nil
}

func (t *tx) SumEntries(_ context.Context, key ledger.BalanceKey) (ledger.Totals, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var totals ledger.Totals
	for _, e := range t.s.entries {
		if e.Key() == key {
			totals = totals.Include(e)
		}
	}
	return totals, nil
}

func (t *tx) UpsertAccountBalance(_ context.Context, b *ledger.AccountBalance) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	prev, existed := t.s.accountBalances[b.BalanceKey]
	cp := *b
	t.s.accountBalances[b.BalanceKey] = &cp
	key := b.BalanceKey
	t.undo = append(t.undo, func() {
		if existed {
			t.s.accountBalances[key] = prev
		} else {
			delete(t.s.accountBalances, key)
		}
	})
	return nil
}

func (t *tx) RecomputeUserBalance(_ context.Context, userID, assetID, updatedAtMs int64) (*ledger.UserBalance, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var rows []*ledger.AccountBalance
	for k, b := range t.s.accountBalances {
		if k.UserID == userID && k.AssetID == assetID {
			rows = append(rows, b)
		}
	}
	ub := ledger.SumAccountBalances(userID, assetID, rows, updatedAtMs)

	k := userKey{userID, assetID}
	prev, existed := t.s.userBalances[k]
	cp := *ub
	t.s.userBalances[k] = &cp
	t.undo = append(t.undo, func() {
		if existed {
			t.s.userBalances[k] = prev
		} else {
			delete(t.s.userBalances, k)
		}
	})
	return ub, nil
}

func (t *tx) InsertTransfer(_ context.Context, tr *ledger.Transfer) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cp := *tr
	t.s.transfers[tr.ID] = &cp
	id := tr.ID
	t.undo = append(t.undo, func() { delete(t.s.transfers, id) })
	return nil
}

func (t *tx) UpdateTransfer(_ context.Context, tr *ledger.Transfer, from ...ledger.TransferState) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cur, ok := t.s.transfers[tr.ID]
	if !ok || !stateIn(cur.State, from) {
		return false, nil
	}
	prev := *cur
	next := *tr
	*cur = next
	t.undo = append(t.undo, func() { *cur = prev })
	return true, nil
}

func stateIn(s ledger.TransferState, set []ledger.TransferState) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

var _ ledger.Tx = (*tx)(nil)
