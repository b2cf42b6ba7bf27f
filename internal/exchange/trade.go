package exchange

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/exchange/custody/internal/client"
	"github.com/exchange/custody/internal/orderbook"
	commonerrors "github.com/exchange/custody/pkg/errors"
	"github.com/exchange/custody/pkg/logger"
)

// TotalPriceIncreasedError 实际价格超出用户确认价格的容忍范围
type TotalPriceIncreasedError struct {
	Market          string
	Venue           string
	RequestedAmount decimal.Decimal
	ExpectedPrice   decimal.Decimal
	ActualPrice     decimal.Decimal
	Tolerance       decimal.Decimal
}

func (e *TotalPriceIncreasedError) Error() string {
	return fmt.Sprintf("total price for %s %s on %s increased from %s to %s (tolerance %s)",
		e.RequestedAmount, e.Market, e.Venue, e.ExpectedPrice, e.ActualPrice, e.Tolerance)
}

func (e *TotalPriceIncreasedError) ErrorCode() commonerrors.Code {
	return commonerrors.CodeTotalPriceIncreased
}

// TradeResult 吃单结果
type TradeResult struct {
	Quote
	Nonce    int64                 `json:"nonce"`
	Trades   []client.TradeRequest `json:"trades"`
	Response json.RawMessage       `json:"response,omitempty"`
}

// ExecuteTrade 按当前订单簿吃单。价格超出 expected*(1+tolerance) 时在消耗 nonce 前拒绝。
func (c *Client) ExecuteTrade(ctx context.Context, market orderbook.Market, side orderbook.Side, qty, expectedPrice, tolerance decimal.Decimal) (*TradeResult, error) {
	if side != orderbook.SideBuy {
		return nil, commonerrors.Newf(commonerrors.CodeUnsupportedOperation, "%s side trades are not supported", side)
	}
	if !qty.IsPositive() {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "quantity must be positive")
	}
	if tolerance.IsNegative() {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "tolerance must not be negative")
	}

	book, err := c.OrderBook(ctx, market, side)
	if err != nil {
		return nil, err
	}
	quote, err := c.quote(book, qty, false)
	if err != nil {
		return nil, err
	}
	limit := expectedPrice.Mul(decimal.NewFromInt(1).Add(tolerance))
	if quote.TotalPriceWithFee.GreaterThan(limit) {
		return nil, &TotalPriceIncreasedError{
			Market:          market.String(),
			Venue:           c.cfg.Venue,
			RequestedAmount: qty,
			ExpectedPrice:   expectedPrice,
			ActualPrice:     quote.TotalPriceWithFee,
			Tolerance:       tolerance,
		}
	}

	fillCurrency, err := c.currencies.Get(ctx, market.Base)
	if err != nil {
		return nil, err
	}

	result := &TradeResult{Quote: *quote}
	err = c.withNonce(ctx, len(quote.Levels), func(ctx context.Context, nonce int64) error {
		trades, err := c.buildTrades(ctx, quote, fillCurrency.Decimals, nonce)
		if err != nil {
			return err
		}
		resp, err := c.api.Trade(ctx, trades)
		if err != nil {
			return err
		}
		result.Nonce = nonce
		result.Trades = trades
		result.Response = resp
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.WithContext(ctx).Info("[Exchange] trade executed", logger.Fields{
		"market":     market.String(),
		"quantity":   qty.String(),
		"totalPrice": quote.TotalPriceWithFee.String(),
		"orders":     len(result.Trades),
		"nonce":      result.Nonce,
	})
	return result, nil
}

// buildTrades 每个价位一笔，成交额换算到 fill 币种最小单位并向下取整，第 i 笔使用 nonce+i
func (c *Client) buildTrades(ctx context.Context, quote *Quote, fillDecimals int32, nonce int64) ([]client.TradeRequest, error) {
	trades := make([]client.TradeRequest, 0, len(quote.Levels))
	total := decimal.Zero
	for i, lvl := range quote.Levels {
		amount := lvl.Quantity.Shift(fillDecimals).Mul(lvl.Price).Truncate(0)
		n := nonce + int64(i)
		sig, err := c.signer.SignHash(ctx, c.cfg.KeyRef, tradeHash(lvl.ID, amount, c.cfg.Wallet, n))
		if err != nil {
			return nil, err
		}
		trades = append(trades, client.TradeRequest{
			OrderHash: lvl.ID,
			Amount:    amount.String(),
			Address:   c.cfg.Wallet,
			Nonce:     n,
			Signature: *sig,
		})
		total = total.Add(amount)
	}
	if limit := quote.TotalPrice.Shift(fillDecimals); total.GreaterThan(limit) {
		return nil, commonerrors.Newf(commonerrors.CodeInternal,
			"trade fill %s exceeds expected %s", total, limit)
	}
	return trades, nil
}
