// Package handler 托管服务 HTTP 接口
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/exchange/custody/internal/client"
	"github.com/exchange/custody/internal/exchange"
	"github.com/exchange/custody/internal/ledger"
	"github.com/exchange/custody/internal/service"
	commonerrors "github.com/exchange/custody/pkg/errors"
	"github.com/exchange/custody/pkg/health"
	"github.com/exchange/custody/pkg/logger"
	"github.com/exchange/custody/pkg/response"
	"github.com/exchange/custody/pkg/tracing"
)

const (
	internalTokenHeader = "X-Internal-Token"
	maxBodyBytes        = 1 << 20
	defaultEntryLimit   = 50
	maxEntryLimit       = 500
)

// Service 托管服务能力
type Service interface {
	RecordPendingTransfer(ctx context.Context, req *service.TransferRequest) (*ledger.Entry, error)
	ConfirmTransfer(ctx context.Context, entryID int64) (*ledger.Entry, error)
	CancelTransfer(ctx context.Context, entryID int64) (*ledger.Entry, error)
	RecordDeposit(ctx context.Context, req *service.DepositRequest) (*ledger.Entry, error)
	Withdraw(ctx context.Context, req *service.WithdrawRequest) (*ledger.Transfer, error)
	QuotePrice(ctx context.Context, market string, quantity decimal.Decimal, side string) (*exchange.Quote, error)
	ExecuteTrade(ctx context.Context, req *service.TradeRequest) (*service.TradeResult, error)
	GetUserBalance(ctx context.Context, userID, assetID int64) (*ledger.UserBalance, error)
	GetAccountBalance(ctx context.Context, key ledger.BalanceKey) (*ledger.AccountBalance, error)
	ListEntries(ctx context.Context, key ledger.BalanceKey, limit int) ([]*ledger.Entry, error)
	GetEntry(ctx context.Context, id int64) (*ledger.Entry, error)
	GetTransfer(ctx context.Context, id int64) (*ledger.Transfer, error)
	PostVenueOrder(ctx context.Context, req *service.VenueOrderRequest) (json.RawMessage, error)
	WithdrawFromVenue(ctx context.Context, req *service.VenueWithdrawRequest) (json.RawMessage, error)
	VenueCurrency(ctx context.Context, ticker string) (client.CurrencyInfo, error)
}

// Options 路由配置
type Options struct {
	InternalToken string
	Logger        *logger.Logger
	// Metrics /metrics 处理器，nil 时不挂载
	Metrics http.Handler
	// Balances 余额推送 websocket，nil 时不挂载
	Balances    http.Handler
	ReadyChecks []health.Check
}

// Handler HTTP 处理器
type Handler struct {
	svc Service
	log *logger.Logger
}

// NewRouter 构建路由
func NewRouter(svc Service, opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	h := &Handler{svc: svc, log: log}

	r := chi.NewRouter()
	r.Use(response.RequestIDMiddleware)
	r.Use(response.RecoveryMiddleware(log))
	r.Use(tracing.HTTPMiddleware)

	r.Get("/live", func(w http.ResponseWriter, r *http.Request) {
		response.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", health.Handler(opts.ReadyChecks...))
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireInternalToken(opts.InternalToken))

		r.Post("/transfers", h.recordTransfer)
		r.Post("/transfers/{entryId}/confirm", h.confirmTransfer)
		r.Post("/transfers/{entryId}/cancel", h.cancelTransfer)
		r.Post("/withdrawals/{userId}/{ticker}", h.withdraw)
		r.Get("/withdrawals/{transferId}", h.getTransfer)
		r.Post("/deposits", h.recordDeposit)
		r.Get("/quotes", h.quote)
		r.Post("/trades", h.executeTrade)
		r.Get("/users/{userId}/balances/{assetId}", h.userBalance)
		r.Get("/users/{userId}/accounts/{accountId}/balances/{assetId}", h.accountBalance)
		r.Get("/users/{userId}/accounts/{accountId}/entries/{assetId}", h.listEntries)
		r.Get("/entries/{entryId}", h.getEntry)
		r.Post("/venue/orders", h.postVenueOrder)
		r.Post("/venue/withdrawals", h.withdrawFromVenue)
		r.Get("/venue/currencies/{ticker}", h.venueCurrency)
		if opts.Balances != nil {
			r.Handle("/ws/balances", opts.Balances)
		}
	})
	return r
}

func requireInternalToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(internalTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				response.WriteErrorCode(w, r, commonerrors.CodeUnauthenticated, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) recordTransfer(w http.ResponseWriter, r *http.Request) {
	var req service.TransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Amount.IsZero() {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "amount must be non-zero")
		return
	}
	if req.Action != "" && !req.Action.Valid() {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "invalid action")
		return
	}
	entry, err := h.svc.RecordPendingTransfer(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, entry)
}

func (h *Handler) confirmTransfer(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.svc.ConfirmTransfer)
}

func (h *Handler) cancelTransfer(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.svc.CancelTransfer)
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) (*ledger.Entry, error)) {
	id, ok := pathID(w, r, "entryId")
	if !ok {
		return
	}
	entry, err := fn(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, entry)
}

type withdrawBody struct {
	From  string          `json:"from"`
	To    string          `json:"to"`
	Value decimal.Decimal `json:"value"`
	Note  string          `json:"note,omitempty"`
}

func (h *Handler) withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	var body withdrawBody
	if !decodeJSON(w, r, &body) {
		return
	}
	t, err := h.svc.Withdraw(r.Context(), &service.WithdrawRequest{
		UserID: userID,
		Ticker: chi.URLParam(r, "ticker"),
		From:   body.From,
		To:     body.To,
		Value:  body.Value,
		Note:   body.Note,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, t)
}

func (h *Handler) getTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "transferId")
	if !ok {
		return
	}
	t, err := h.svc.GetTransfer(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, t)
}

func (h *Handler) recordDeposit(w http.ResponseWriter, r *http.Request) {
	var req service.DepositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, err := h.svc.RecordDeposit(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, entry)
}

func (h *Handler) quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	market := strings.TrimSpace(q.Get("market"))
	if market == "" {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "market is required")
		return
	}
	qty, err := decimal.NewFromString(strings.TrimSpace(q.Get("quantity")))
	if err != nil || qty.IsNegative() {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "quantity must be a non-negative decimal")
		return
	}
	side := strings.TrimSpace(q.Get("side"))
	if side == "" {
		side = "buy"
	}

	quote, err := h.svc.QuotePrice(r.Context(), market, qty, side)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, quote)
}

func (h *Handler) executeTrade(w http.ResponseWriter, r *http.Request) {
	var req service.TradeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Quantity.IsPositive() || !req.ExpectedPrice.IsPositive() {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "quantity and expectedPrice must be positive")
		return
	}
	result, err := h.svc.ExecuteTrade(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) userBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	assetID, ok := pathID(w, r, "assetId")
	if !ok {
		return
	}
	b, err := h.svc.GetUserBalance(r.Context(), userID, assetID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, b)
}

func (h *Handler) accountBalance(w http.ResponseWriter, r *http.Request) {
	key, ok := balanceKey(w, r)
	if !ok {
		return
	}
	b, err := h.svc.GetAccountBalance(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, b)
}

// listEntries 最新在前，limit 默认 50，上限 500
func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	key, ok := balanceKey(w, r)
	if !ok {
		return
	}
	limit := defaultEntryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEntryLimit)
	}
	entries, err := h.svc.ListEntries(r.Context(), key, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	response.WriteJSON(w, http.StatusOK, entries)
}

func (h *Handler) getEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "entryId")
	if !ok {
		return
	}
	entry, err := h.svc.GetEntry(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, entry)
}

// writeError 内部错误打日志，业务错误直接返回
func (h *Handler) postVenueOrder(w http.ResponseWriter, r *http.Request) {
	var req service.VenueOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Price.IsPositive() || !req.Amount.IsPositive() {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "price and amount must be positive")
		return
	}
	resp, err := h.svc.PostVenueOrder(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) withdrawFromVenue(w http.ResponseWriter, r *http.Request) {
	var req service.VenueWithdrawRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Amount.IsPositive() {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "amount must be positive")
		return
	}
	resp, err := h.svc.WithdrawFromVenue(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) venueCurrency(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.VenueCurrency(r.Context(), chi.URLParam(r, "ticker"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, info)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if commonerrors.From(err).Code == commonerrors.CodeInternal {
		h.log.WithContext(r.Context()).WithError(err).Error("request failed", logger.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		})
	}
	response.WriteError(w, r, err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "invalid JSON body")
		return false
	}
	return true
}

func balanceKey(w http.ResponseWriter, r *http.Request) (ledger.BalanceKey, bool) {
	var key ledger.BalanceKey
	var ok bool
	if key.UserID, ok = pathID(w, r, "userId"); !ok {
		return key, false
	}
	if key.AccountID, ok = pathID(w, r, "accountId"); !ok {
		return key, false
	}
	if key.AssetID, ok = pathID(w, r, "assetId"); !ok {
		return key, false
	}
	return key, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "invalid "+name)
		return 0, false
	}
	return id, true
}
