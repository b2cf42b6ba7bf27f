package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/exchange/custody/internal/account"
	"github.com/exchange/custody/internal/client"
	"github.com/exchange/custody/internal/exchange"
	"github.com/exchange/custody/internal/ledger"
	"github.com/exchange/custody/internal/orderbook"
	commonerrors "github.com/exchange/custody/pkg/errors"
	"github.com/exchange/custody/pkg/logger"
	"github.com/exchange/custody/pkg/tracing"
)

// QuotePrice 按当前订单簿报价，含手续费
func (s *CustodyService) QuotePrice(ctx context.Context, market string, quantity decimal.Decimal, side string) (*exchange.Quote, error) {
	if s.exchange == nil {
		return nil, commonerrors.New(commonerrors.CodeUnsupportedOperation, "exchange is not configured")
	}
	m, err := orderbook.ParseMarket(market)
	if err != nil {
		return nil, err
	}
	sd, err := orderbook.ParseSide(side)
	if err != nil {
		return nil, err
	}
	if quantity.IsNegative() {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "quantity must not be negative")
	}
	return s.exchange.Quote(ctx, m, sd, quantity)
}

// TradeRequest 吃单请求，ExpectedPrice 为用户确认过的含费总价
type TradeRequest struct {
	UserID        int64           `json:"userId"`
	Market        string          `json:"market"`
	Side          string          `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	ExpectedPrice decimal.Decimal `json:"expectedPrice"`
	Tolerance     decimal.Decimal `json:"tolerance"`
}

// TradeResult 吃单与结算结果
type TradeResult struct {
	SettlementID  string                `json:"settlementId"`
	ReservationID int64                 `json:"reservationId,string"`
	Debit         *ledger.Entry         `json:"debit"`
	Credit        *ledger.Entry         `json:"credit"`
	Trade         *exchange.TradeResult `json:"trade"`
}

type tradeAccounts struct {
	base, quote         *ledger.Asset
	baseAcct, quoteAcct *account.Account
}

// ExecuteTrade 预占用户确认的最高价，锁定交易所账户后吃单，成功后在一个事务内
// 释放预占并记入实际扣款与买入数量。结果未知时预占保持 pending 等待对账。
func (s *CustodyService) ExecuteTrade(ctx context.Context, req *TradeRequest) (*TradeResult, error) {
	if s.exchange == nil {
		return nil, commonerrors.New(commonerrors.CodeUnsupportedOperation, "exchange is not configured")
	}
	if req == nil || req.UserID <= 0 {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "userId is required")
	}
	market, err := orderbook.ParseMarket(req.Market)
	if err != nil {
		return nil, err
	}
	side, err := orderbook.ParseSide(req.Side)
	if err != nil {
		return nil, err
	}
	if side != orderbook.SideBuy {
		return nil, commonerrors.Newf(commonerrors.CodeUnsupportedOperation, "%s side trades are not supported", side)
	}
	if !req.Quantity.IsPositive() || !req.ExpectedPrice.IsPositive() {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "quantity and expectedPrice must be positive")
	}
	if req.Tolerance.IsNegative() {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "tolerance must not be negative")
	}

	accts, err := s.resolveTradeAccounts(ctx, market)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "custody.ExecuteTrade")
	defer span.End()
	start := s.now()

	result := &TradeResult{SettlementID: uuid.NewString()}
	err = s.locker.WithLock(ctx, accts.baseAcct.ID, func(ctx context.Context, _ *account.Lease) error {
		return s.locker.WithLock(ctx, accts.quoteAcct.ID, func(ctx context.Context, _ *account.Lease) error {
			return s.executeLocked(ctx, req, market, side, accts, result)
		})
	})
	if s.metrics != nil {
		s.metrics.ObserveTradeLatency(s.now().Sub(start))
	}
	if err != nil {
		tracing.SetError(span, err)
		return nil, err
	}
	return result, nil
}

func (s *CustodyService) resolveTradeAccounts(ctx context.Context, market orderbook.Market) (*tradeAccounts, error) {
	base, err := s.store.FindAssetByTicker(ctx, market.Base)
	if err != nil {
		return nil, err
	}
	quote, err := s.store.FindAssetByTicker(ctx, market.Quote)
	if err != nil {
		return nil, err
	}
	wallet := s.exchange.Wallet()
	baseAcct, err := s.store.FindByAddress(ctx, wallet, base.ID)
	if err != nil {
		return nil, err
	}
	quoteAcct, err := s.store.FindByAddress(ctx, wallet, quote.ID)
	if err != nil {
		return nil, err
	}
	if baseAcct == nil || quoteAcct == nil {
		return nil, &account.UnknownAccountError{Address: wallet}
	}
	return &tradeAccounts{base: base, quote: quote, baseAcct: baseAcct, quoteAcct: quoteAcct}, nil
}

func (s *CustodyService) executeLocked(ctx context.Context, req *TradeRequest, market orderbook.Market, side orderbook.Side, accts *tradeAccounts, result *TradeResult) error {
	maxPrice := req.ExpectedPrice.Mul(decimal.NewFromInt(1).Add(req.Tolerance))
	reservation, err := s.book.Insert(ctx, &ledger.Entry{
		UserID:     req.UserID,
		AccountID:  accts.baseAcct.ID,
		AssetID:    accts.base.ID,
		Amount:     maxPrice.Neg(),
		Action:     ledger.ActionTrade,
		Note:       fmt.Sprintf("reserve %s %s", req.Quantity, market),
		Identifier: "trade:" + result.SettlementID + ":reserve",
		State:      ledger.StatePending,
	})
	if err != nil {
		return err
	}
	s.countOp("insert")
	result.ReservationID = reservation.ID

	log := s.log.WithContext(ctx).With(logger.Fields{
		"settlementId":  result.SettlementID,
		"reservationId": reservation.ID,
		"market":        market.String(),
		"quantity":      req.Quantity.String(),
	})

	trade, err := s.exchange.ExecuteTrade(ctx, market, side, req.Quantity, req.ExpectedPrice, req.Tolerance)
	if err != nil {
		if client.IsUnknownOutcome(err) {
			log.WithError(err).Error("[CRITICAL] trade outcome unknown, reservation kept pending for reconciliation")
			return err
		}
		if _, cancelErr := s.book.Cancel(ctx, reservation.ID); cancelErr != nil {
			log.WithError(cancelErr).Error("[CRITICAL] release trade reservation failed")
			return errors.Join(err, cancelErr)
		}
		s.countOp("cancel")
		return err
	}
	result.Trade = trade

	err = s.book.Do(ctx, func(ctx context.Context, w *ledger.Writer) error {
		if _, err := w.Cancel(ctx, reservation.ID); err != nil {
			return err
		}
		debit, err := w.Insert(ctx, &ledger.Entry{
			UserID:     req.UserID,
			AccountID:  accts.baseAcct.ID,
			AssetID:    accts.base.ID,
			Amount:     trade.TotalPriceWithFee.Neg(),
			Action:     ledger.ActionTrade,
			Note:       fmt.Sprintf("buy %s %s", req.Quantity, market),
			Identifier: "trade:" + result.SettlementID + ":debit",
			State:      ledger.StateConfirmed,
		})
		if err != nil {
			return err
		}
		credit, err := w.Insert(ctx, &ledger.Entry{
			UserID:     req.UserID,
			AccountID:  accts.quoteAcct.ID,
			AssetID:    accts.quote.ID,
			Amount:     req.Quantity,
			Action:     ledger.ActionTrade,
			Note:       fmt.Sprintf("buy %s %s", req.Quantity, market),
			Identifier: "trade:" + result.SettlementID + ":credit",
			State:      ledger.StateConfirmed,
		})
		if err != nil {
			return err
		}
		result.Debit, result.Credit = debit, credit
		return nil
	})
	if err != nil {
		log.WithError(err).Error("[CRITICAL] trade executed but settlement failed")
		return err
	}
	s.countOp("cancel")
	s.countOp("insert")
	s.countOp("insert")
	log.Info("trade settled", logger.Fields{"totalPrice": trade.TotalPriceWithFee.String()})
	return nil
}
