// Package exchange 交易所交易客户端：nonce 同步、报价、吃单、挂单、提币
package exchange

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/exchange/custody/internal/client"
	"github.com/exchange/custody/internal/orderbook"
	commonerrors "github.com/exchange/custody/pkg/errors"
	"github.com/exchange/custody/pkg/logger"
)

// API 交易所 HTTP API
type API interface {
	CurrencyLoader
	OrderBook(ctx context.Context, market, side string, depth int) ([]client.BookOrder, error)
	NextNonce(ctx context.Context, address string) (int64, error)
	ContractAddress(ctx context.Context) (string, error)
	PostOrder(ctx context.Context, req *client.OrderRequest) (json.RawMessage, error)
	Trade(ctx context.Context, trades []client.TradeRequest) (json.RawMessage, error)
	Withdraw(ctx context.Context, req *client.WithdrawRequest) (json.RawMessage, error)
}

// Signer 签名服务
type Signer interface {
	SignHash(ctx context.Context, keyRef string, hash []byte) (*client.Signature, error)
}

// NonceRetryRecorder nonce 重试计数
type NonceRetryRecorder interface {
	IncNonceRetry()
}

// Config 交易所客户端配置
type Config struct {
	Venue     string
	Wallet    string
	KeyRef    string
	FeeRatio  decimal.Decimal
	BookDepth int
}

// Client 交易所交易客户端
type Client struct {
	api        API
	signer     Signer
	nonces     NonceCache
	currencies *CurrencyCache
	contract   *addressCache
	cfg        Config
	metrics    NonceRetryRecorder
	log        *logger.Logger
}

// NewClient 创建客户端；nonces 为空时使用进程内缓存
func NewClient(api API, signer Signer, nonces NonceCache, cfg Config, log *logger.Logger) *Client {
	if nonces == nil {
		nonces = NewMemoryNonceCache()
	}
	if cfg.Venue == "" {
		cfg.Venue = "IDEX"
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = 100
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		api:        api,
		signer:     signer,
		nonces:     nonces,
		currencies: NewCurrencyCache(api),
		contract:   &addressCache{load: api.ContractAddress},
		cfg:        cfg,
		log:        log,
	}
}

// SetMetrics 设置 nonce 重试计数
func (c *Client) SetMetrics(m NonceRetryRecorder) {
	c.metrics = m
}

// Venue 交易所名称
func (c *Client) Venue() string {
	return c.cfg.Venue
}

// Wallet 交易所钱包地址
func (c *Client) Wallet() string {
	return c.cfg.Wallet
}

// FeeRatio 手续费率
func (c *Client) FeeRatio() decimal.Decimal {
	return c.cfg.FeeRatio
}

// Currencies 币种缓存
func (c *Client) Currencies() *CurrencyCache {
	return c.currencies
}

// Nonce 当前 nonce；force 时绕过缓存向交易所重新同步
func (c *Client) Nonce(ctx context.Context, force bool) (int64, error) {
	if !force {
		n, ok, err := c.nonces.Get(ctx, c.cfg.Wallet)
		if err != nil {
			c.log.WithError(err).Warn("[Exchange] nonce cache read failed, resyncing")
		} else if ok {
			return n, nil
		}
	}
	n, err := c.api.NextNonce(ctx, c.cfg.Wallet)
	if err != nil {
		return 0, err
	}
	if err := c.nonces.Set(ctx, c.cfg.Wallet, n); err != nil {
		c.log.WithError(err).Warn("[Exchange] nonce cache write failed")
	}
	return n, nil
}

// withNonce 以当前 nonce 调用；交易所报 nonce 不匹配时强制同步后仅重试一次。
// 成功后 nonce 前进 ops 个。
func (c *Client) withNonce(ctx context.Context, ops int, call func(ctx context.Context, nonce int64) error) error {
	nonce, err := c.Nonce(ctx, false)
	if err != nil {
		return err
	}
	err = call(ctx, nonce)
	if err != nil && client.IsNonceError(err) {
		c.log.WithContext(ctx).WithError(err).Warn("[Exchange] nonce rejected, resyncing", logger.Fields{
			"wallet": c.cfg.Wallet,
			"nonce":  nonce,
		})
		if c.metrics != nil {
			c.metrics.IncNonceRetry()
		}
		if nonce, err = c.Nonce(ctx, true); err != nil {
			return err
		}
		err = call(ctx, nonce)
	}
	if err != nil {
		return err
	}
	if err := c.nonces.Add(ctx, c.cfg.Wallet, int64(ops)); err != nil {
		c.log.WithError(err).Warn("[Exchange] nonce cache increment failed", logger.Fields{"wallet": c.cfg.Wallet})
	}
	return nil
}

// OrderBook 拉取单侧订单簿
func (c *Client) OrderBook(ctx context.Context, market orderbook.Market, side orderbook.Side) (*orderbook.Book, error) {
	orders, err := c.api.OrderBook(ctx, market.String(), string(side), c.cfg.BookDepth)
	if err != nil {
		return nil, err
	}
	book := &orderbook.Book{
		Market: market.String(),
		Venue:  c.cfg.Venue,
		Side:   side,
		Levels: make([]orderbook.Level, 0, len(orders)),
	}
	for _, o := range orders {
		book.Levels = append(book.Levels, orderbook.Level{Price: o.Price, Quantity: o.Amount, ID: o.OrderHash})
	}
	return book, nil
}

// Quote 报价结果
type Quote struct {
	Market            string            `json:"market"`
	Side              orderbook.Side    `json:"side"`
	Quantity          decimal.Decimal   `json:"quantity"`
	TotalPrice        decimal.Decimal   `json:"totalPrice"`
	TotalPriceWithFee decimal.Decimal   `json:"totalPriceWithFee"`
	AvgUnitPrice      decimal.Decimal   `json:"avgUnitPrice"`
	LevelsUsed        int               `json:"levelsUsed"`
	Levels            []orderbook.Level `json:"levels"`
}

// Quote 按当前订单簿报价
func (c *Client) Quote(ctx context.Context, market orderbook.Market, side orderbook.Side, qty decimal.Decimal) (*Quote, error) {
	book, err := c.OrderBook(ctx, market, side)
	if err != nil {
		return nil, err
	}
	return c.quote(book, qty, true)
}

func (c *Client) quote(book *orderbook.Book, qty decimal.Decimal, checkOnly bool) (*Quote, error) {
	withFee, fill, err := book.PriceWithFee(qty, c.cfg.FeeRatio, checkOnly)
	if err != nil {
		return nil, err
	}
	return &Quote{
		Market:            book.Market,
		Side:              book.Side,
		Quantity:          qty,
		TotalPrice:        fill.TotalCost,
		TotalPriceWithFee: withFee,
		AvgUnitPrice:      fill.AvgPrice(),
		LevelsUsed:        len(fill.Levels),
		Levels:            fill.Levels,
	}, nil
}

// PostBuyOrder 挂买单：卖出 base 买入 quote
func (c *Client) PostBuyOrder(ctx context.Context, market orderbook.Market, price, amount decimal.Decimal) (json.RawMessage, error) {
	if !price.IsPositive() || !amount.IsPositive() {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "price and amount must be positive")
	}
	contract, err := c.contract.Get(ctx)
	if err != nil {
		return nil, err
	}
	buy, err := c.currencies.Get(ctx, market.Quote)
	if err != nil {
		return nil, err
	}
	sell, err := c.currencies.Get(ctx, market.Base)
	if err != nil {
		return nil, err
	}
	amountBuy := amount.Shift(buy.Decimals).Truncate(0)
	amountSell := price.Mul(amount).Shift(sell.Decimals).Truncate(0)

	var resp json.RawMessage
	err = c.withNonce(ctx, 1, func(ctx context.Context, nonce int64) error {
		hash := orderHash(contract, buy.Address, amountBuy, sell.Address, amountSell, 0, nonce, c.cfg.Wallet)
		sig, err := c.signer.SignHash(ctx, c.cfg.KeyRef, hash)
		if err != nil {
			return err
		}
		resp, err = c.api.PostOrder(ctx, &client.OrderRequest{
			TokenBuy:   buy.Address,
			AmountBuy:  amountBuy.String(),
			TokenSell:  sell.Address,
			AmountSell: amountSell.String(),
			Address:    c.cfg.Wallet,
			Nonce:      nonce,
			Signature:  *sig,
		})
		return err
	})
	return resp, err
}

// Withdraw 从交易所合约提币到钱包
func (c *Client) Withdraw(ctx context.Context, ticker string, amount decimal.Decimal) (json.RawMessage, error) {
	if !amount.IsPositive() {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "amount must be positive")
	}
	contract, err := c.contract.Get(ctx)
	if err != nil {
		return nil, err
	}
	token, err := c.currencies.Get(ctx, ticker)
	if err != nil {
		return nil, err
	}
	baseUnits := amount.Shift(token.Decimals).Truncate(0)

	var resp json.RawMessage
	err = c.withNonce(ctx, 1, func(ctx context.Context, nonce int64) error {
		hash := withdrawHash(contract, token.Address, baseUnits, c.cfg.Wallet, nonce)
		sig, err := c.signer.SignHash(ctx, c.cfg.KeyRef, hash)
		if err != nil {
			return err
		}
		resp, err = c.api.Withdraw(ctx, &client.WithdrawRequest{
			Amount:    baseUnits.String(),
			Token:     token.Address,
			Address:   c.cfg.Wallet,
			Nonce:     nonce,
			Signature: *sig,
		})
		return err
	})
	return resp, err
}
