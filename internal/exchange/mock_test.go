package exchange

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/exchange/custody/internal/client"
)

type fakeAPI struct {
	mu sync.Mutex

	book       []client.BookOrder
	currencies map[string]client.CurrencyInfo
	nextNonce  int64

	// tradeErrs 依次作为 Trade 的返回错误，用完后成功
	tradeErrs []error

	nonceCalls    int
	tradeCalls    int
	currencyCalls int
	trades        [][]client.TradeRequest
	withdrawals   []*client.WithdrawRequest
	orders        []*client.OrderRequest
}

func (f *fakeAPI) Currencies(context.Context) (map[string]client.CurrencyInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currencyCalls++
	out := make(map[string]client.CurrencyInfo, len(f.currencies))
	for k, v := range f.currencies {
		out[k] = v
	}
	return out, nil
}

func (f *fakeAPI) OrderBook(context.Context, string, string, int) ([]client.BookOrder, error) {
	return f.book, nil
}

func (f *fakeAPI) NextNonce(context.Context, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceCalls++
	return f.nextNonce, nil
}

func (f *fakeAPI) ContractAddress(context.Context) (string, error) {
	return "0x2a0c0dbecc7e4d658f48e01e3fa353f44050c208", nil
}

func (f *fakeAPI) PostOrder(_ context.Context, req *client.OrderRequest) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, req)
	return json.RawMessage(`{"orderNumber":1}`), nil
}

func (f *fakeAPI) Trade(_ context.Context, trades []client.TradeRequest) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tradeCalls++
	f.trades = append(f.trades, trades)
	if len(f.tradeErrs) > 0 {
		err := f.tradeErrs[0]
		f.tradeErrs = f.tradeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return json.RawMessage(`[]`), nil
}

func (f *fakeAPI) Withdraw(_ context.Context, req *client.WithdrawRequest) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawals = append(f.withdrawals, req)
	return json.RawMessage(`{}`), nil
}

type fakeSigner struct {
	hashes [][]byte
}

func (s *fakeSigner) SignHash(_ context.Context, _ string, hash []byte) (*client.Signature, error) {
	s.hashes = append(s.hashes, hash)
	return &client.Signature{V: 27, R: "0x01", S: "0x02"}, nil
}

type retryCounter struct {
	n int
}

func (r *retryCounter) IncNonceRetry() { r.n++ }

func nonceErr() error {
	return &client.APIError{Service: "exchange", Status: 400, Message: "Invalid nonce"}
}
