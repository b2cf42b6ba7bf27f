// Package service 托管业务编排：账户锁、nonce、流水与外部调用
package service

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/custody/internal/account"
	"github.com/exchange/custody/internal/client"
	"github.com/exchange/custody/internal/exchange"
	"github.com/exchange/custody/internal/ledger"
	"github.com/exchange/custody/internal/orderbook"
	"github.com/exchange/custody/pkg/logger"
)

// Store 服务依赖的存储
type Store interface {
	ledger.Store
	ledger.AssetStore
	account.Store
}

// TradeClient 交易所交易客户端
type TradeClient interface {
	Venue() string
	Wallet() string
	Quote(ctx context.Context, market orderbook.Market, side orderbook.Side, qty decimal.Decimal) (*exchange.Quote, error)
	ExecuteTrade(ctx context.Context, market orderbook.Market, side orderbook.Side, qty, expectedPrice, tolerance decimal.Decimal) (*exchange.TradeResult, error)
}

// Broadcaster 签名并广播链上交易
type Broadcaster interface {
	SignAndBroadcast(ctx context.Context, params *client.TxParams) (string, error)
}

// ChainClient 链节点查询
type ChainClient interface {
	ChainID(ctx context.Context) (int64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	TransactionStatus(ctx context.Context, txHash string) (*client.TxStatus, error)
}

// Metrics 业务指标
type Metrics interface {
	IncLedgerOperation(kind string) error
	ObserveTradeLatency(d time.Duration)
	IncConfirmerOutcome(outcome string) error
}

// Deps 服务依赖；Exchange、Venue、Signer、Chain 可为空，对应功能不可用
type Deps struct {
	Store    Store
	Locker   *account.Locker
	IDs      ledger.IDGenerator
	Exchange TradeClient
	Venue    VenueOperator
	Signer   Broadcaster
	Chain    ChainClient
	Metrics  Metrics
	Observer ledger.Observer
	Logger   *logger.Logger
}

// Config 服务配置
type Config struct {
	GasLimitCoin   uint64
	GasLimitToken  uint64
	GasPriceBump   decimal.Decimal
	MaxListEntries int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		GasLimitCoin:   21000,
		GasLimitToken:  100000,
		GasPriceBump:   decimal.New(10, 9), // 10 gwei
		MaxListEntries: 200,
	}
}

// CustodyService 托管服务
type CustodyService struct {
	store    Store
	book     *ledger.Book
	locker   *account.Locker
	ids      ledger.IDGenerator
	exchange TradeClient
	venue    VenueOperator
	signer   Broadcaster
	chain    ChainClient
	metrics  Metrics
	cfg      Config
	log      *logger.Logger
	now      func() time.Time
}

// NewCustodyService 创建托管服务
func NewCustodyService(deps Deps, cfg Config) *CustodyService {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	locker := deps.Locker
	if locker == nil {
		locker = account.NewLocker(deps.Store, account.DefaultLockTTL)
	}
	book := ledger.NewBook(deps.Store, deps.IDs)
	if deps.Observer != nil {
		book.SetObserver(deps.Observer)
	}
	if cfg.MaxListEntries <= 0 {
		cfg.MaxListEntries = 200
	}
	return &CustodyService{
		store:    deps.Store,
		book:     book,
		locker:   locker,
		ids:      deps.IDs,
		exchange: deps.Exchange,
		venue:    deps.Venue,
		signer:   deps.Signer,
		chain:    deps.Chain,
		metrics:  deps.Metrics,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

func (s *CustodyService) countOp(kind string) {
	if s.metrics == nil {
		return
	}
	if err := s.metrics.IncLedgerOperation(kind); err != nil {
		s.log.WithError(err).Warn("record ledger metric failed")
	}
}

// ========== 查询 ==========

// GetUserBalance 用户在某资产上的汇总余额
func (s *CustodyService) GetUserBalance(ctx context.Context, userID, assetID int64) (*ledger.UserBalance, error) {
	return s.store.GetUserBalance(ctx, userID, assetID)
}

// GetAccountBalance 单账户余额
func (s *CustodyService) GetAccountBalance(ctx context.Context, key ledger.BalanceKey) (*ledger.AccountBalance, error) {
	return s.store.GetAccountBalance(ctx, key)
}

// GetEntry 查询流水
func (s *CustodyService) GetEntry(ctx context.Context, id int64) (*ledger.Entry, error) {
	return s.store.GetEntry(ctx, id)
}

// GetTransfer 查询链上转账
func (s *CustodyService) GetTransfer(ctx context.Context, id int64) (*ledger.Transfer, error) {
	return s.store.GetTransfer(ctx, id)
}

// ListEntries 最近的流水，按 ID 倒序
func (s *CustodyService) ListEntries(ctx context.Context, key ledger.BalanceKey, limit int) ([]*ledger.Entry, error) {
	if limit <= 0 || limit > s.cfg.MaxListEntries {
		limit = s.cfg.MaxListEntries
	}
	return s.store.ListEntries(ctx, key, limit)
}
