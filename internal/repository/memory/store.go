// Package memory 进程内存储，事务串行执行，回滚时按撤销日志恢复
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/exchange/custody/internal/account"
	"github.com/exchange/custody/internal/ledger"
)

type identKey struct {
	assetID    int64
	identifier string
}

type userKey struct {
	userID  int64
	assetID int64
}

// Store 内存存储，实现 ledger.Store / ledger.AssetStore / account.Store
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex

	entries         map[int64]*ledger.Entry
	identifiers     map[identKey]int64
	accountBalances map[ledger.BalanceKey]*ledger.AccountBalance
	userBalances    map[userKey]*ledger.UserBalance
	transfers       map[int64]*ledger.Transfer
	accounts        map[int64]*account.Account
	assets          map[int64]*ledger.Asset
}

// New 创建内存存储
func New() *Store {
	return &Store{
		entries:         make(map[int64]*ledger.Entry),
		identifiers:     make(map[identKey]int64),
		accountBalances: make(map[ledger.BalanceKey]*ledger.AccountBalance),
		userBalances:    make(map[userKey]*ledger.UserBalance),
		transfers:       make(map[int64]*ledger.Transfer),
		accounts:        make(map[int64]*account.Account),
		assets:          make(map[int64]*ledger.Asset),
	}
}

// AddAccount 写入账户
func (s *Store) AddAccount(a *account.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts[a.ID] = &cp
}

// AddAsset 写入资产
func (s *Store) AddAsset(a *ledger.Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.assets[a.ID] = &cp
}

// WithTx 串行执行事务
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	t := &tx{s: s}
	if err := fn(ctx, t); err != nil {
		t.rollback()
		return err
	}
	return nil
}

// ---- ledger.Store ----

func (s *Store) GetEntry(_ context.Context, id int64) (*ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ledger.ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) FindEntryByIdentifier(_ context.Context, assetID int64, identifier string) (*ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identifiers[identKey{assetID, identifier}]
	if !ok {
		return nil, ledger.ErrEntryNotFound
	}
	cp := *s.entries[id]
	return &cp, nil
}

func (s *Store) ListEntries(_ context.Context, key ledger.BalanceKey, limit int) ([]*ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ledger.Entry
	for _, e := range s.entries {
		if e.Key() == key {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetAccountBalance(_ context.Context, key ledger.BalanceKey) (*ledger.AccountBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.accountBalances[key]; ok {
		cp := *b
		return &cp, nil
	}
	return &ledger.AccountBalance{BalanceKey: key}, nil
}

func (s *Store) GetUserBalance(_ context.Context, userID, assetID int64) (*ledger.UserBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.userBalances[userKey{userID, assetID}]; ok {
		cp := *b
		return &cp, nil
	}
	return &ledger.UserBalance{UserID: userID, AssetID: assetID}, nil
}

func (s *Store) GetTransfer(_ context.Context, id int64) (*ledger.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return nil, ledger.ErrTransferNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListOpenTransfers(_ context.Context, limit int) ([]*ledger.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ledger.Transfer
	for _, t := range s.transfers {
		if t.Open() {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- ledger.AssetStore ----

func (s *Store) FindAssetByTicker(_ context.Context, ticker string) (*ledger.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assets {
		if strings.EqualFold(a.Ticker, ticker) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ledger.ErrAssetNotFound
}

func (s *Store) GetAsset(_ context.Context, id int64) (*ledger.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return nil, ledger.ErrAssetNotFound
	}
	cp := *a
	return &cp, nil
}

// ---- account.Store ----

func (s *Store) FindByID(_ context.Context, id int64) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *Store) FindByAddress(_ context.Context, address string, assetID int64) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.AssetID == assetID && strings.EqualFold(a.Address, address) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) TryLock(_ context.Context, id, nowMs, expireMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok || (a.LockExpireMs != 0 && a.LockExpireMs >= nowMs) {
		return false, nil
	}
	a.LockExpireMs = expireMs
	a.UpdatedAtMs = nowMs
	return true, nil
}

func (s *Store) Unlock(_ context.Context, id, expireMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok || a.LockExpireMs != expireMs {
		return false, nil
	}
	a.LockExpireMs = 0
	return true, nil
}

func (s *Store) LockExpiry(_ context.Context, id int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return 0, false, nil
	}
	return a.LockExpireMs, true, nil
}

func (s *Store) LastNonce(_ context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return 0, account.ErrNotFound
	}
	return a.LastNonce, nil
}

func (s *Store) CompareAndSwapNonce(_ context.Context, id, expected, next int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.casNonce(id, expected, next), nil
}

func (s *Store) casNonce(id, expected, next int64) bool {
	a, ok := s.accounts[id]
	if !ok || a.LastNonce != expected {
		return false
	}
	a.LastNonce = next
	return true
}

var (
	_ ledger.Store      = (*Store)(nil)
	_ ledger.AssetStore = (*Store)(nil)
	_ account.Store     = (*Store)(nil)
)
