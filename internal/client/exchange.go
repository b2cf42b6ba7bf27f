package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const exchangeService = "exchange"

// ExchangeClient 交易所 HTTP API
type ExchangeClient struct {
	baseURL string
	client  *http.Client
}

// NewExchangeClient 创建交易所客户端
func NewExchangeClient(baseURL string, timeout time.Duration) *ExchangeClient {
	return &ExchangeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  newHTTPClient(timeout),
	}
}

// CurrencyInfo 币种信息
type CurrencyInfo struct {
	Name     string `json:"name"`
	Decimals int32  `json:"decimals"`
	Address  string `json:"address"`
}

// BookOrder 订单簿挂单
type BookOrder struct {
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	AmountBuy string          `json:"amountBuy,omitempty"`
	Type      string          `json:"type,omitempty"`
	OrderHash string          `json:"orderHash"`
}

// Signature secp256k1 签名
type Signature struct {
	V uint8  `json:"v"`
	R string `json:"r"`
	S string `json:"s"`
}

// OrderRequest 挂单请求
type OrderRequest struct {
	TokenBuy   string `json:"tokenBuy"`
	AmountBuy  string `json:"amountBuy"`
	TokenSell  string `json:"tokenSell"`
	AmountSell string `json:"amountSell"`
	Address    string `json:"address"`
	Nonce      int64  `json:"nonce"`
	Expires    int64  `json:"expires"`
	Signature
}

// TradeRequest 吃单请求中的单笔成交
type TradeRequest struct {
	OrderHash string `json:"orderHash"`
	Amount    string `json:"amount"`
	Address   string `json:"address"`
	Nonce     int64  `json:"nonce"`
	Signature
}

// WithdrawRequest 从交易所合约提币
type WithdrawRequest struct {
	Amount  string `json:"amount"`
	Token   string `json:"token"`
	Address string `json:"address"`
	Nonce   int64  `json:"nonce"`
	Signature
}

func (c *ExchangeClient) call(ctx context.Context, method string, body, out interface{}) error {
	return postJSON(ctx, c.client, exchangeService, c.baseURL+"/"+method, nil, body, out)
}

// Currencies 全部币种
func (c *ExchangeClient) Currencies(ctx context.Context) (map[string]CurrencyInfo, error) {
	out := make(map[string]CurrencyInfo)
	if err := c.call(ctx, "returnCurrencies", struct{}{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// OrderBook 单侧订单簿：买入吃 asks，卖出吃 bids
func (c *ExchangeClient) OrderBook(ctx context.Context, market, side string, depth int) ([]BookOrder, error) {
	var out struct {
		Asks []BookOrder `json:"asks"`
		Bids []BookOrder `json:"bids"`
	}
	req := map[string]interface{}{"market": market, "count": depth}
	if err := c.call(ctx, "returnOrderBook", req, &out); err != nil {
		return nil, err
	}
	if side == "buy" {
		return out.Asks, nil
	}
	return out.Bids, nil
}

// NextNonce 交易所记录的下一个 nonce
func (c *ExchangeClient) NextNonce(ctx context.Context, address string) (int64, error) {
	var out struct {
		Nonce json.Number `json:"nonce"`
	}
	if err := c.call(ctx, "returnNextNonce", map[string]string{"address": address}, &out); err != nil {
		return 0, err
	}
	n, err := out.Nonce.Int64()
	if err != nil {
		return 0, fmt.Errorf("parse nonce %q: %w", out.Nonce, err)
	}
	return n, nil
}

// ContractAddress 交易所合约地址
func (c *ExchangeClient) ContractAddress(ctx context.Context) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	if err := c.call(ctx, "returnContractAddress", struct{}{}, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

// PostOrder 挂单
func (c *ExchangeClient) PostOrder(ctx context.Context, req *OrderRequest) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.call(ctx, "order", req, &out)
	return out, err
}

// Trade 批量吃单
func (c *ExchangeClient) Trade(ctx context.Context, trades []TradeRequest) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.call(ctx, "trade", trades, &out)
	return out, err
}

// Withdraw 从交易所提币
func (c *ExchangeClient) Withdraw(ctx context.Context, req *WithdrawRequest) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.call(ctx, "withdraw", req, &out)
	return out, err
}

// IsNonceError 交易所因 nonce 不匹配拒绝请求
func IsNonceError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Service != exchangeService {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "nonce")
}
