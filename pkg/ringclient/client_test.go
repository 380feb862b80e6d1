package ringclient

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mkarel/ringlock/internal/wallet"
)

type fakeWallet struct {
	transfers []struct {
		to     string
		amount *big.Int
	}
	transferErr error
}

func (f *fakeWallet) Transfer(ctx context.Context, to common.Address, amount *big.Int) (*wallet.TransferResult, error) {
	if f.transferErr != nil {
		return nil, f.transferErr
	}
	f.transfers = append(f.transfers, struct {
		to     string
		amount *big.Int
	}{to.Hex(), amount})
	return &wallet.TransferResult{TxHash: "0xescrow"}, nil
}

func (f *fakeWallet) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*wallet.TransferResult, error) {
	return &wallet.TransferResult{TxHash: txHash}, nil
}

func (f *fakeWallet) VerifyPayment(ctx context.Context, from, minAmount, txHash string) (bool, error) {
	return true, nil
}

func (f *fakeWallet) Address() string { return "0x0000000000000000000000000000000000000009" }

func (f *fakeWallet) Balance(ctx context.Context) (string, error) { return "100.000000", nil }

func (f *fakeWallet) Close() error { return nil }

func TestCall_FullFlow(t *testing.T) {
	var confirmedRef string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/call-intents":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["routing_id"] != "rt_abc" {
				t.Errorf("unexpected routing_id %q", body["routing_id"])
			}
			if body["caller_address"] != "0x0000000000000000000000000000000000000009" {
				t.Errorf("unexpected caller_address %q", body["caller_address"])
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Quote{
				ReferenceID:  "ref_1",
				Amount:       "5.00",
				PayTo:        "0x0000000000000000000000000000000000000001",
				ExpiresInSec: 300,
			})
		case "/v1/call-intents/ref_1/confirm":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["rail"] != "onchain" || body["tx_hash"] != "0xescrow" {
				t.Errorf("unexpected confirm body: %v", body)
			}
			confirmedRef = "ref_1"
			_ = json.NewEncoder(w).Encode(map[string]Session{
				"session": {ID: "cs_1", Status: "pending", CalleeRoutingID: "rt_abc"},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	fw := &fakeWallet{}
	c := NewClient(srv.URL, fw)

	var hookedTx string
	c.OnPayment = func(q *Quote, txHash string) { hookedTx = txHash }

	session, err := c.Call(context.Background(), "rt_abc")
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if session.ID != "cs_1" {
		t.Errorf("unexpected session: %+v", session)
	}
	if confirmedRef != "ref_1" {
		t.Error("confirm endpoint was not hit")
	}
	if hookedTx != "0xescrow" {
		t.Errorf("OnPayment hook got %q", hookedTx)
	}
	if len(fw.transfers) != 1 {
		t.Fatalf("expected one transfer, got %d", len(fw.transfers))
	}
	// 5.00 USDC in 6-decimal base units.
	if fw.transfers[0].amount.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Errorf("unexpected transfer amount %s", fw.transfers[0].amount)
	}
}

func TestCall_MaxPaymentExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Quote{
			ReferenceID: "ref_2",
			Amount:      "50.00",
			PayTo:       "0x0000000000000000000000000000000000000001",
		})
	}))
	defer srv.Close()

	fw := &fakeWallet{}
	c := NewClient(srv.URL, fw)
	c.MaxPayment = "10.00"

	if _, err := c.Call(context.Background(), "rt_pricey"); err == nil {
		t.Fatal("expected error for quote above max payment")
	}
	if len(fw.transfers) != 0 {
		t.Error("no transfer should happen when the cap is exceeded")
	}
}

func TestCreateIntent_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(Error{Code: "callee_not_found"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &fakeWallet{})

	_, err := c.CreateIntent(context.Background(), "rt_missing", "")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if apiErr.Code != "callee_not_found" {
		t.Errorf("unexpected error code %q", apiErr.Code)
	}
}

func TestRegisterProof(t *testing.T) {
	var got map[string]string
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/verifications" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &fakeWallet{})
	c.VerifierSecret = "verifier-secret"
	if err := c.RegisterProof(context.Background(), "prf_1", "call", "human"); err != nil {
		t.Fatalf("RegisterProof failed: %v", err)
	}
	if got["proof_id"] != "prf_1" || got["scope"] != "call" || got["level"] != "human" {
		t.Errorf("unexpected body: %v", got)
	}
	if auth != "Bearer verifier-secret" {
		t.Errorf("expected verifier bearer token, got %q", auth)
	}
}
