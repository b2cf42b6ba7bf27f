package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/exchange/custody/internal/account"
	"github.com/exchange/custody/internal/client"
	"github.com/exchange/custody/internal/ledger"
)

func withdrawReq(ticker, value string) *WithdrawRequest {
	return &WithdrawRequest{UserID: userID, Ticker: ticker, From: hotAddress, To: recipient, Value: d(value)}
}

func lastNonce(t *testing.T, env *testEnv, accountID int64) int64 {
	t.Helper()
	n, err := env.store.LastNonce(context.Background(), accountID)
	if err != nil {
		t.Fatalf("last nonce: %v", err)
	}
	return n
}

func TestWithdraw_BroadcastsWithFreshNonce(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, hotEthAccount, ethAssetID, "10", "0xdep1")

	tr, err := env.svc.Withdraw(context.Background(), withdrawReq("eth", "3"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if tr.State != ledger.TransferBroadcast || tr.TxHash == "" || tr.Nonce != 6 {
		t.Fatalf("unexpected transfer %+v", tr)
	}
	if lastNonce(t, env, hotEthAccount) != 6 {
		t.Fatal("expected account nonce to advance")
	}

	call := env.signer.calls[0]
	if call.To != recipient || call.Value != "3000000000000000000" || call.GasLimit != 21000 || call.Nonce != 6 || call.ChainID != 1 {
		t.Fatalf("unexpected tx params %+v", call)
	}
	if b := env.balance(t, hotEthAccount, ethAssetID); !b.AvailableBalance.Equal(d("7")) || !b.TotalPending.Equal(d("-3")) {
		t.Fatalf("expected reservation of 3, got %s / %s", b.AvailableBalance, b.TotalPending)
	}

	stored, err := env.svc.GetTransfer(context.Background(), tr.ID)
	if err != nil || stored.TxHash != tr.TxHash || stored.BroadcastAtMs == 0 {
		t.Fatalf("stored transfer mismatch: %+v %v", stored, err)
	}
}

func TestWithdraw_ERC20CallsTokenContract(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, hotLinkAccount, linkAssetID, "5", "0xdep2")

	if _, err := env.svc.Withdraw(context.Background(), withdrawReq("LINK", "1.5")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	call := env.signer.calls[0]
	if call.To != linkContract || call.Value != "0" || call.GasLimit != 100000 {
		t.Fatalf("unexpected tx params %+v", call)
	}
	// selector + recipient + 1.5e18
	want := "0xa9059cbb" +
		strings.Repeat("0", 24) + strings.TrimPrefix(recipient, "0x") +
		strings.Repeat("0", 64-len("14d1120d7b160000")) + "14d1120d7b160000"
	if call.Data != want {
		t.Fatalf("unexpected data\n got %s\nwant %s", call.Data, want)
	}
}

func TestWithdraw_InvalidRecipient(t *testing.T) {
	env := newTestEnv(t)
	for _, to := range []string{hotAddress, strings.ToUpper(hotAddress[2:]), "not-an-address"} {
		req := withdrawReq("ETH", "1")
		req.To = to
		_, err := env.svc.Withdraw(context.Background(), req)
		var recErr *InvalidRecipientError
		if !errors.As(err, &recErr) {
			t.Fatalf("to=%s: expected InvalidRecipientError, got %v", to, err)
		}
	}
	if len(env.signer.calls) != 0 {
		t.Fatal("nothing should be broadcast")
	}
}

func TestWithdraw_UnknownSender(t *testing.T) {
	env := newTestEnv(t)
	req := withdrawReq("ETH", "1")
	req.From = "0x4444444444444444444444444444444444444444"
	_, err := env.svc.Withdraw(context.Background(), req)
	var unknown *account.UnknownAccountError
	if !errors.As(err, &unknown) || unknown.Address != req.From {
		t.Fatalf("expected UnknownAccountError, got %v", err)
	}
}

func TestWithdraw_OverdrawRollsBackNonce(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, hotEthAccount, ethAssetID, "10", "0xdep1")

	_, err := env.svc.Withdraw(context.Background(), withdrawReq("ETH", "11"))
	var balErr *ledger.InvalidBalanceError
	if !errors.As(err, &balErr) {
		t.Fatalf("expected InvalidBalanceError, got %v", err)
	}
	if lastNonce(t, env, hotEthAccount) != 5 {
		t.Fatal("nonce must not be consumed by a rejected withdrawal")
	}
	if len(env.signer.calls) != 0 {
		t.Fatal("nothing should be broadcast")
	}
}

func TestWithdraw_DefiniteFailureReverts(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, hotEthAccount, ethAssetID, "10", "0xdep1")
	env.signer.err = &client.APIError{Service: "signer", Status: 400, Message: "insufficient funds for gas"}

	_, err := env.svc.Withdraw(context.Background(), withdrawReq("ETH", "3"))
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected signer error, got %v", err)
	}
	if b := env.balance(t, hotEthAccount, ethAssetID); !b.AvailableBalance.Equal(d("10")) || !b.TotalPending.IsZero() {
		t.Fatalf("expected reservation released, got %s / %s", b.AvailableBalance, b.TotalPending)
	}
	if lastNonce(t, env, hotEthAccount) != 5 {
		t.Fatal("expected unused nonce to be returned")
	}
	// deposit=1, entry=2, transfer=3
	tr, err := env.svc.GetTransfer(context.Background(), 3)
	if err != nil || tr.State != ledger.TransferFailed {
		t.Fatalf("expected failed transfer, got %+v %v", tr, err)
	}
	entry, _ := env.svc.GetEntry(context.Background(), 2)
	if entry.State != ledger.StateCancelled {
		t.Fatalf("expected cancelled entry, got %s", entry.State)
	}
}

func TestWithdraw_UnknownOutcomeStaysPending(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, hotEthAccount, ethAssetID, "10", "0xdep1")
	env.signer.err = &client.TransportError{Service: "signer", Op: "sign-and-broadcast", Err: context.DeadlineExceeded}

	tr, err := env.svc.Withdraw(context.Background(), withdrawReq("ETH", "3"))
	if err != nil {
		t.Fatalf("unknown outcome should not fail the request: %v", err)
	}
	if tr.State != ledger.TransferPending || tr.TxHash != "" {
		t.Fatalf("expected pending transfer without hash, got %+v", tr)
	}
	if b := env.balance(t, hotEthAccount, ethAssetID); !b.AvailableBalance.Equal(d("7")) {
		t.Fatalf("reservation must stay, got %s", b.AvailableBalance)
	}
	if lastNonce(t, env, hotEthAccount) != 6 {
		t.Fatal("nonce must stay consumed")
	}
	open, _ := env.store.ListOpenTransfers(context.Background(), 10)
	if len(open) != 1 {
		t.Fatalf("expected transfer to stay open, got %d", len(open))
	}
}

// 签名服务返回 2xx 但响应异常、或网关 5xx 时交易可能已上链，不能撤销
func TestWithdraw_AmbiguousSignerResponseStaysPending(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"malformed hash": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"txHash":"0xdead"}`)
		},
		"gateway timeout": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusGatewayTimeout)
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()

			env := newTestEnv(t)
			env.deposit(t, hotEthAccount, ethAssetID, "10", "0xdep1")
			env.svc.signer = client.NewSignerClient(srv.URL, "secret", time.Second)

			tr, err := env.svc.Withdraw(context.Background(), withdrawReq("ETH", "3"))
			if err != nil {
				t.Fatalf("ambiguous signer response should not fail the request: %v", err)
			}
			if tr.State != ledger.TransferPending {
				t.Fatalf("expected pending transfer, got %s", tr.State)
			}
			if lastNonce(t, env, hotEthAccount) != 6 {
				t.Fatal("nonce must stay consumed")
			}
			entry, err := env.svc.GetEntry(context.Background(), tr.EntryID)
			if err != nil || entry.State != ledger.StatePending {
				t.Fatalf("expected pending entry, got %+v %v", entry, err)
			}
			if b := env.balance(t, hotEthAccount, ethAssetID); !b.AvailableBalance.Equal(d("7")) {
				t.Fatalf("reservation must stay, got %s", b.AvailableBalance)
			}
		})
	}
}
