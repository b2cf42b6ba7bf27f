package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/exchange/custody/internal/client"
	"github.com/exchange/custody/internal/exchange"
	"github.com/exchange/custody/internal/orderbook"
	commonerrors "github.com/exchange/custody/pkg/errors"
	"github.com/exchange/custody/pkg/logger"
)

// VenueOperator 交易所钱包运维：挂单、提回热钱包、币种查询
type VenueOperator interface {
	PostBuyOrder(ctx context.Context, market orderbook.Market, price, amount decimal.Decimal) (json.RawMessage, error)
	Withdraw(ctx context.Context, ticker string, amount decimal.Decimal) (json.RawMessage, error)
	Currencies() *exchange.CurrencyCache
}

// VenueOrderRequest 挂单请求，Price 为每单位 base 的报价
type VenueOrderRequest struct {
	Market string          `json:"market"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// VenueWithdrawRequest 交易所提币请求
type VenueWithdrawRequest struct {
	Ticker string          `json:"ticker"`
	Amount decimal.Decimal `json:"amount"`
}

func (s *CustodyService) requireVenue() error {
	if s.venue == nil {
		return commonerrors.New(commonerrors.CodeUnsupportedOperation, "exchange is not configured")
	}
	return nil
}

// PostVenueOrder 以交易所钱包挂买单，返回交易所原始响应
func (s *CustodyService) PostVenueOrder(ctx context.Context, req *VenueOrderRequest) (json.RawMessage, error) {
	if err := s.requireVenue(); err != nil {
		return nil, err
	}
	m, err := orderbook.ParseMarket(req.Market)
	if err != nil {
		return nil, err
	}
	resp, err := s.venue.PostBuyOrder(ctx, m, req.Price, req.Amount)
	if err != nil {
		s.log.WithError(err).Warn("[Venue] post order failed", logger.Fields{"market": m.String()})
		return nil, err
	}
	s.log.Info("[Venue] order posted", logger.Fields{
		"market": m.String(),
		"price":  req.Price.String(),
		"amount": req.Amount.String(),
	})
	return resp, nil
}

// WithdrawFromVenue 从交易所合约提币回交易所钱包；到账后由充值流程入账
func (s *CustodyService) WithdrawFromVenue(ctx context.Context, req *VenueWithdrawRequest) (json.RawMessage, error) {
	if err := s.requireVenue(); err != nil {
		return nil, err
	}
	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))
	if ticker == "" {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "ticker is required")
	}
	resp, err := s.venue.Withdraw(ctx, ticker, req.Amount)
	if err != nil {
		s.log.WithError(err).Warn("[Venue] withdraw failed", logger.Fields{"ticker": ticker})
		return nil, err
	}
	s.log.Info("[Venue] withdrawal requested", logger.Fields{"ticker": ticker, "amount": req.Amount.String()})
	return resp, nil
}

// VenueCurrency 交易所上的币种信息
func (s *CustodyService) VenueCurrency(ctx context.Context, ticker string) (client.CurrencyInfo, error) {
	if err := s.requireVenue(); err != nil {
		return client.CurrencyInfo{}, err
	}
	return s.venue.Currencies().Get(ctx, ticker)
}
