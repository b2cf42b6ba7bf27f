package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/custody/internal/account"
	"github.com/exchange/custody/internal/client"
	"github.com/exchange/custody/internal/exchange"
	"github.com/exchange/custody/internal/ledger"
	"github.com/exchange/custody/internal/orderbook"
	"github.com/exchange/custody/internal/repository/memory"
)

const (
	hotAddress      = "0x1111111111111111111111111111111111111111"
	exchangeAddress = "0x2222222222222222222222222222222222222222"
	recipient       = "0x3333333333333333333333333333333333333333"
	linkContract    = "0x514910771af9ca656af840dff83e8264ecf986ca"

	ethAssetID  = int64(1)
	linkAssetID = int64(2)

	hotEthAccount  = int64(10)
	hotLinkAccount = int64(11)
	exEthAccount   = int64(20)
	exLinkAccount  = int64(21)

	userID = int64(7)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// mockIDGen 顺序 ID
type mockIDGen struct {
	mu sync.Mutex
	id int64
}

func (m *mockIDGen) NextID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id++
	return m.id
}

type mockSigner struct {
	mu     sync.Mutex
	calls  []*client.TxParams
	err    error
	hashes int
}

func (m *mockSigner) SignAndBroadcast(_ context.Context, params *client.TxParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *params
	m.calls = append(m.calls, &cp)
	if m.err != nil {
		return "", m.err
	}
	m.hashes++
	return fmt.Sprintf("0x%064x", m.hashes), nil
}

type mockChain struct {
	mu       sync.Mutex
	statuses map[string]*client.TxStatus
	queries  int
}

func (m *mockChain) ChainID(context.Context) (int64, error) { return 1, nil }

func (m *mockChain) GasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(20_000_000_000), nil
}

func (m *mockChain) TransactionStatus(_ context.Context, txHash string) (*client.TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	if st, ok := m.statuses[txHash]; ok {
		return st, nil
	}
	return &client.TxStatus{}, nil
}

func (m *mockChain) set(txHash string, st *client.TxStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[txHash] = st
}

type mockTrade struct {
	result *exchange.TradeResult
	err    error
	calls  int
}

func (m *mockTrade) Venue() string  { return "IDEX" }
func (m *mockTrade) Wallet() string { return exchangeAddress }

func (m *mockTrade) Quote(_ context.Context, market orderbook.Market, side orderbook.Side, qty decimal.Decimal) (*exchange.Quote, error) {
	return &exchange.Quote{Market: market.String(), Side: side, Quantity: qty, TotalPrice: qty.Mul(d("0.1"))}, nil
}

func (m *mockTrade) ExecuteTrade(_ context.Context, _ orderbook.Market, _ orderbook.Side, _, _, _ decimal.Decimal) (*exchange.TradeResult, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type mockMetrics struct {
	mu       sync.Mutex
	ops      map[string]int
	outcomes map[string]int
	trades   int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{ops: map[string]int{}, outcomes: map[string]int{}}
}

func (m *mockMetrics) IncLedgerOperation(kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[kind]++
	return nil
}

func (m *mockMetrics) ObserveTradeLatency(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades++
}

func (m *mockMetrics) IncConfirmerOutcome(outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
	return nil
}

type testEnv struct {
	svc     *CustodyService
	store   *memory.Store
	signer  *mockSigner
	chain   *mockChain
	trade   *mockTrade
	metrics *mockMetrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	store.AddAsset(&ledger.Asset{ID: ethAssetID, Ticker: "ETH", Name: "Ether", Type: ledger.AssetCoin, Decimals: 18})
	store.AddAsset(&ledger.Asset{ID: linkAssetID, Ticker: "LINK", Name: "Chainlink", Type: ledger.AssetERC20, Decimals: 18, ContractAddress: linkContract})
	store.AddAccount(&account.Account{ID: hotEthAccount, AssetID: ethAssetID, Address: hotAddress, LastNonce: 5})
	store.AddAccount(&account.Account{ID: hotLinkAccount, AssetID: linkAssetID, Address: hotAddress, LastNonce: 5})
	store.AddAccount(&account.Account{ID: exEthAccount, AssetID: ethAssetID, Address: exchangeAddress})
	store.AddAccount(&account.Account{ID: exLinkAccount, AssetID: linkAssetID, Address: exchangeAddress})

	env := &testEnv{
		store:   store,
		signer:  &mockSigner{},
		chain:   &mockChain{statuses: map[string]*client.TxStatus{}},
		trade:   &mockTrade{},
		metrics: newMockMetrics(),
	}
	env.svc = NewCustodyService(Deps{
		Store:    store,
		IDs:      &mockIDGen{},
		Exchange: env.trade,
		Signer:   env.signer,
		Chain:    env.chain,
		Metrics:  env.metrics,
	}, DefaultConfig())
	return env
}

func (e *testEnv) deposit(t *testing.T, accountID, assetID int64, amount, txHash string) *ledger.Entry {
	t.Helper()
	entry, err := e.svc.RecordDeposit(context.Background(), &DepositRequest{
		UserID:    userID,
		AccountID: accountID,
		AssetID:   assetID,
		Amount:    d(amount),
		TxHash:    txHash,
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return entry
}

func (e *testEnv) balance(t *testing.T, accountID, assetID int64) *ledger.AccountBalance {
	t.Helper()
	b, err := e.svc.GetAccountBalance(context.Background(), ledger.BalanceKey{UserID: userID, AccountID: accountID, AssetID: assetID})
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}
