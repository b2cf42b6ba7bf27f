package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	commonerrors "github.com/exchange/custody/pkg/errors"
)

func TestExchangeOrderBookPicksSide(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/returnOrderBook" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["market"] != "ETH_LINK" || req["count"].(float64) != 100 {
			t.Errorf("unexpected request %v", req)
		}
		_, _ = io.WriteString(w, `{"asks":[{"price":"0.01","amount":"5","orderHash":"0xa"}],"bids":[{"price":"0.009","amount":"7","orderHash":"0xb"}]}`)
	}))
	defer srv.Close()

	c := NewExchangeClient(srv.URL+"/", time.Second)
	asks, err := c.OrderBook(context.Background(), "ETH_LINK", "buy", 100)
	if err != nil {
		t.Fatalf("order book: %v", err)
	}
	if len(asks) != 1 || asks[0].OrderHash != "0xa" || asks[0].Price.String() != "0.01" {
		t.Fatalf("unexpected asks %+v", asks)
	}
	bids, err := c.OrderBook(context.Background(), "ETH_LINK", "sell", 100)
	if err != nil {
		t.Fatalf("order book: %v", err)
	}
	if len(bids) != 1 || bids[0].OrderHash != "0xb" {
		t.Fatalf("unexpected bids %+v", bids)
	}
}

func TestExchangeNextNonceAcceptsStringOrNumber(t *testing.T) {
	bodies := []string{`{"nonce":"17"}`, `{"nonce":17}`}
	for _, body := range bodies {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, body)
		}))
		n, err := NewExchangeClient(srv.URL, time.Second).NextNonce(context.Background(), "0xabc")
		srv.Close()
		if err != nil {
			t.Fatalf("next nonce %s: %v", body, err)
		}
		if n != 17 {
			t.Fatalf("expected 17, got %d", n)
		}
	}
}

func TestExchangeErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"Invalid nonce"}`)
	}))
	defer srv.Close()

	_, err := NewExchangeClient(srv.URL, time.Second).Trade(context.Background(), []TradeRequest{{OrderHash: "0x1"}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected api error, got %v", err)
	}
	if !IsNonceError(err) {
		t.Fatal("expected nonce error")
	}
	if commonerrors.CodeOf(err) != commonerrors.CodeInvalidNonce {
		t.Fatalf("unexpected code %s", commonerrors.CodeOf(err))
	}
	if IsUnknownOutcome(err) {
		t.Fatal("api error has a definite outcome")
	}
}

func TestTransportErrorIsUnknownOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewExchangeClient(srv.URL, 20*time.Millisecond).Withdraw(context.Background(), &WithdrawRequest{})
	if !IsUnknownOutcome(err) {
		t.Fatalf("expected unknown outcome, got %v", err)
	}
	if IsNonceError(err) {
		t.Fatal("timeout is not a nonce error")
	}
}

func TestEthereumTransactionStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.Method {
		case "eth_getTransactionReceipt":
			if req.Params[0] == "0xmissing" {
				_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":null}`)
				return
			}
			_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":{"transactionHash":"0xok","status":"0x1","blockNumber":"0x64"}}`)
		case "eth_blockNumber":
			_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":2,"result":"0x6d"}`)
		default:
			_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"method not found"}}`)
		}
	}))
	defer srv.Close()

	c := NewEthereumClient(srv.URL, time.Second)
	st, err := c.TransactionStatus(context.Background(), "0xok")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Found || !st.Success || st.BlockNumber != 100 || st.Confirmations != 10 {
		t.Fatalf("unexpected status %+v", st)
	}

	st, err = c.TransactionStatus(context.Background(), "0xmissing")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Found {
		t.Fatal("expected not found")
	}

	_, err = c.ChainID(context.Background())
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Fatalf("expected rpc error, got %v", err)
	}
}

func TestSignerSendsTokenAndValidatesHash(t *testing.T) {
	hash := "0x" + strings.Repeat("ab", 32)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Internal-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/sign-and-broadcast":
			var p TxParams
			_ = json.NewDecoder(r.Body).Decode(&p)
			if p.Nonce == 0 {
				_, _ = io.WriteString(w, `{"txHash":"0x1234"}`)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"txHash": hash})
		case "/v1/sign-hash":
			_, _ = io.WriteString(w, `{"v":27,"r":"0x01","s":"0x02"}`)
		}
	}))
	defer srv.Close()

	c := NewSignerClient(srv.URL, "secret", time.Second)
	got, err := c.SignAndBroadcast(context.Background(), &TxParams{Nonce: 3})
	if err != nil {
		t.Fatalf("sign and broadcast: %v", err)
	}
	if got != hash {
		t.Fatalf("unexpected hash %s", got)
	}
	if _, err := c.SignAndBroadcast(context.Background(), &TxParams{}); !IsUnknownOutcome(err) {
		t.Fatalf("short hash after 2xx must be an unknown outcome, got %v", err)
	}

	sig, err := c.SignHash(context.Background(), "hot-1", make([]byte, 32))
	if err != nil {
		t.Fatalf("sign hash: %v", err)
	}
	if sig.V != 27 || sig.R != "0x01" {
		t.Fatalf("unexpected signature %+v", sig)
	}
	if _, err := c.SignHash(context.Background(), "hot-1", []byte{1}); err == nil {
		t.Fatal("expected length check")
	}

	_, err = NewSignerClient(srv.URL, "wrong", time.Second).SignHash(context.Background(), "hot-1", make([]byte, 32))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestSignerStatusClassification(t *testing.T) {
	cases := []struct {
		status  int
		unknown bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusGatewayTimeout, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, `{"error":"upstream"}`)
		}))
		_, err := NewSignerClient(srv.URL, "secret", time.Second).SignAndBroadcast(context.Background(), &TxParams{Nonce: 1})
		srv.Close()

		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != tc.status {
			t.Fatalf("status %d: expected api error, got %v", tc.status, err)
		}
		if IsUnknownOutcome(err) != tc.unknown {
			t.Fatalf("status %d: expected unknown=%v", tc.status, tc.unknown)
		}
	}
}
