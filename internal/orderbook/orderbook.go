// Package orderbook 按价位贪心吃单计算
package orderbook

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	commonerrors "github.com/exchange/custody/pkg/errors"
)

// DefaultFeeRatio 交易所手续费率
var DefaultFeeRatio = decimal.RequireFromString("0.03")

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide 解析方向
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid side %q", s)
}

// Market 交易对，形如 ETH_LINK（base 计价，quote 为买入的代币）
type Market struct {
	Base  string
	Quote string
}

// ParseMarket 解析 BASE_QUOTE
func ParseMarket(s string) (Market, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(s)), "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Market{}, commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid market %q", s)
	}
	return Market{Base: parts[0], Quote: parts[1]}, nil
}

func (m Market) String() string {
	return m.Base + "_" + m.Quote
}

// Level 价位，按交易所返回顺序（买单价格递增，卖单价格递减）
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	ID       string          `json:"levelId"`
}

// Book 单侧订单簿
type Book struct {
	Market string
	Venue  string
	Side   Side
	Levels []Level
}

// Fill 吃单结果，Levels 为最小前缀，最后一档截断到剩余数量
type Fill struct {
	Quantity  decimal.Decimal `json:"quantity"`
	TotalCost decimal.Decimal `json:"totalCost"`
	Levels    []Level         `json:"levels"`
}

// AvgPrice 成交均价
func (f *Fill) AvgPrice() decimal.Decimal {
	if f.Quantity.IsZero() {
		return decimal.Zero
	}
	return f.TotalCost.Div(f.Quantity)
}

// Fill 贪心吃单；checkOnly 只区分报价检查与下单前检查的错误信息
func (b *Book) Fill(qty decimal.Decimal, checkOnly bool) (*Fill, error) {
	if qty.IsNegative() {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidParam, "quantity must not be negative: %s", qty)
	}
	fill := &Fill{Quantity: qty, TotalCost: decimal.Zero}
	remaining := qty
	for _, lvl := range b.Levels {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(lvl.Quantity, remaining)
		if !take.IsPositive() {
			continue
		}
		fill.TotalCost = fill.TotalCost.Add(take.Mul(lvl.Price))
		fill.Levels = append(fill.Levels, Level{Price: lvl.Price, Quantity: take, ID: lvl.ID})
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		return nil, &CannotFillOrderError{
			Market:    b.Market,
			Venue:     b.Venue,
			Fillable:  qty.Sub(remaining),
			Requested: qty,
			CheckOnly: checkOnly,
		}
	}
	return fill, nil
}

// WithFee 总价加手续费，只在汇总后计算一次
func WithFee(total, feeRatio decimal.Decimal) decimal.Decimal {
	return total.Mul(decimal.NewFromInt(1).Add(feeRatio))
}

// PriceWithFee 吃单含费总价
func (b *Book) PriceWithFee(qty, feeRatio decimal.Decimal, checkOnly bool) (decimal.Decimal, *Fill, error) {
	fill, err := b.Fill(qty, checkOnly)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return WithFee(fill.TotalCost, feeRatio), fill, nil
}

// CannotFillOrderError 深度不足
type CannotFillOrderError struct {
	Market    string
	Venue     string
	Fillable  decimal.Decimal
	Requested decimal.Decimal
	CheckOnly bool
}

func (e *CannotFillOrderError) Error() string {
	if e.CheckOnly {
		return fmt.Sprintf("not enough liquidity on %s %s to quote %s (fillable %s)",
			e.Venue, e.Market, e.Requested, e.Fillable)
	}
	return fmt.Sprintf("cannot fill order on %s %s: requested %s, fillable %s",
		e.Venue, e.Market, e.Requested, e.Fillable)
}

func (e *CannotFillOrderError) ErrorCode() commonerrors.Code {
	return commonerrors.CodeCannotFillOrder
}
