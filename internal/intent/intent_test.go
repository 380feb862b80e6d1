package intent

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mkarel/ringlock/internal/calls"
	"github.com/mkarel/ringlock/internal/calltoken"
	"github.com/mkarel/ringlock/internal/directory"
	"github.com/mkarel/ringlock/internal/payments"
	"github.com/mkarel/ringlock/internal/provider"
	"github.com/mkarel/ringlock/internal/settlement"
	"github.com/mkarel/ringlock/internal/telephony"
	"github.com/mkarel/ringlock/internal/verify"
	"github.com/mkarel/ringlock/internal/wallet"
)

// fakeVerifier accepts or rejects every descriptor. When gate is set,
// Verify blocks until the channel closes.
type fakeVerifier struct {
	err  error
	gate chan struct{}
}

func (f *fakeVerifier) Verify(ctx context.Context, d provider.Descriptor, e provider.Expectation) error {
	if f.gate != nil {
		<-f.gate
	}
	return f.err
}

// fakeDialer hands out sequential leg ids or fails.
type fakeDialer struct {
	mu     sync.Mutex
	placed []telephony.PlaceCallParams
	err    error
}

func (f *fakeDialer) PlaceCall(ctx context.Context, p telephony.PlaceCallParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.placed = append(f.placed, p)
	return "CA001", nil
}

func (f *fakeDialer) Hangup(ctx context.Context, legID string) error { return nil }

type noopTransactor struct{}

func (noopTransactor) Transfer(ctx context.Context, to common.Address, amount *big.Int) (*wallet.TransferResult, error) {
	return &wallet.TransferResult{TxHash: "0xfake"}, nil
}

func (noopTransactor) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*wallet.TransferResult, error) {
	return &wallet.TransferResult{TxHash: txHash}, nil
}

type fixture struct {
	svc      *Service
	refs     *ReferenceStore
	ledger   *verify.Ledger
	dir      *directory.Service
	payments *payments.Service
	calls    *calls.Service
	dialer   *fakeDialer
	verifier *fakeVerifier
	entry    *directory.Entry
	guarded  *directory.Entry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	refs := NewReferenceStore(5 * time.Minute)
	ledger := verify.NewLedger(5 * time.Minute)
	dirSvc := directory.NewService(directory.NewMemoryStore())
	paySvc := payments.NewService(payments.NewMemoryStore())
	callSvc := calls.NewService(calls.NewMemoryStore())
	dialer := &fakeDialer{}
	verifier := &fakeVerifier{}

	entry, err := dirSvc.Register(ctx, directory.RegisterParams{
		PhoneNumber:   "+14155550100",
		PayoutAddress: "0xabc0000000000000000000000000000000000001",
		PriceUSDC:     "5.00",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	guarded, err := dirSvc.Register(ctx, directory.RegisterParams{
		PhoneNumber:          "+14155550101",
		PayoutAddress:        "0xabc0000000000000000000000000000000000002",
		PriceUSDC:            "2.00",
		RequiresVerification: true,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	engine, err := settlement.NewEngine(settlement.Config{
		AntiSpamFee:    "0.10",
		PlatformFeeBps: 1000,
		MaxAttempts:    1,
		BaseDelay:      time.Millisecond,
	}, paySvc, dirSvc, noopTransactor{})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	svc := NewService(Config{
		ChainID:       84532,
		ProxyNumber:   "+18005550199",
		PublicBaseURL: "https://api.example.com",
	}, Deps{
		Refs:      refs,
		Ledger:    ledger,
		Directory: dirSvc,
		Payments:  paySvc,
		Calls:     callSvc,
		Tokens:    calltoken.New("test-secret", time.Minute),
		Verifier:  verifier,
		Dialer:    dialer,
		Engine:    engine,
	})

	return &fixture{
		svc: svc, refs: refs, ledger: ledger, dir: dirSvc, payments: paySvc,
		calls: callSvc, dialer: dialer, verifier: verifier, entry: entry, guarded: guarded,
	}
}

const callerAddr = "0xcafe00000000000000000000000000000000c001"

func createRef(t *testing.T, f *fixture, routingID string) *Reference {
	t.Helper()
	ref, err := f.svc.Create(context.Background(), CreateParams{
		RoutingID:     routingID,
		CallerAddress: callerAddr,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return ref
}

func TestCreate(t *testing.T) {
	f := newFixture(t)

	ref, err := f.svc.Create(context.Background(), CreateParams{
		RoutingID:     f.entry.RoutingID,
		CallerAddress: callerAddr,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if ref.Amount != "5.00" {
		t.Errorf("reference should carry the callee's price, got %s", ref.Amount)
	}
}

func TestCreate_InvalidRecipient(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), CreateParams{
		RoutingID:     "rt_000000000000000000000000",
		CallerAddress: callerAddr,
	})
	if !errors.Is(err, ErrInvalidRecipient) {
		t.Errorf("expected ErrInvalidRecipient, got %v", err)
	}
}

func TestCreate_VerificationRequired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No proof at all: rejected before any payment is attempted.
	_, err := f.svc.Create(ctx, CreateParams{
		RoutingID:     f.guarded.RoutingID,
		CallerAddress: callerAddr,
	})
	if !errors.Is(err, ErrVerificationRequired) {
		t.Fatalf("expected ErrVerificationRequired, got %v", err)
	}

	// Unknown proof.
	_, err = f.svc.Create(ctx, CreateParams{
		RoutingID:     f.guarded.RoutingID,
		CallerAddress: callerAddr,
		ProofID:       "unknown",
	})
	if !errors.Is(err, ErrVerificationInvalid) {
		t.Fatalf("expected ErrVerificationInvalid, got %v", err)
	}

	// Valid proof passes.
	f.ledger.Register(ctx, "proof-1", VerificationScope, "human")
	if _, err := f.svc.Create(ctx, CreateParams{
		RoutingID:     f.guarded.RoutingID,
		CallerAddress: callerAddr,
		ProofID:       "proof-1",
	}); err != nil {
		t.Fatalf("Create with valid proof failed: %v", err)
	}
}

func TestCreate_ExpiredProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A ledger with zero TTL expires proofs immediately.
	expired := verify.NewLedger(0)
	expired.Register(ctx, "proof-1", VerificationScope, "human")
	f.svc.ledger = expired

	_, err := f.svc.Create(ctx, CreateParams{
		RoutingID:     f.guarded.RoutingID,
		CallerAddress: callerAddr,
		ProofID:       "proof-1",
	})
	if !errors.Is(err, ErrVerificationExpired) {
		t.Errorf("expected ErrVerificationExpired, got %v", err)
	}
}

func TestConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ref := createRef(t, f, f.entry.RoutingID)

	result, err := f.svc.Confirm(ctx, ref.ID, provider.Descriptor{Rail: provider.RailOnChain, TxHash: "0xabc", Payer: callerAddr})
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	if result.Session.Status != calls.StatusPending {
		t.Errorf("new session should be pending, got %s", result.Session.Status)
	}

	// The callee was dialed through the proxy with the real number.
	if len(f.dialer.placed) != 1 {
		t.Fatalf("expected one dial, got %d", len(f.dialer.placed))
	}
	placed := f.dialer.placed[0]
	if placed.To != "+14155550100" {
		t.Errorf("dial should target the real number, got %s", placed.To)
	}
	if placed.From != "+18005550199" {
		t.Errorf("dial should come from the proxy number, got %s", placed.From)
	}
	if placed.CallToken == "" {
		t.Error("dial should carry a call token")
	}

	// The leg is linked.
	s, err := f.calls.GetByLegID(ctx, "CA001")
	if err != nil {
		t.Fatalf("leg not linked: %v", err)
	}
	if s.ID != result.Session.ID {
		t.Errorf("leg linked to the wrong session")
	}

	// The escrow is held.
	p, err := f.payments.Get(ctx, s.PaymentID)
	if err != nil {
		t.Fatalf("payment missing: %v", err)
	}
	if p.Status != payments.StatusHeld || p.Amount != "5.00" {
		t.Errorf("unexpected payment: %+v", p)
	}
}

func TestConfirm_UnknownReference(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Confirm(context.Background(), "ref_missing", provider.Descriptor{Rail: provider.RailOnChain})
	if !errors.Is(err, ErrReferenceNotFound) {
		t.Errorf("expected ErrReferenceNotFound, got %v", err)
	}
}

func TestConfirm_ExpiredReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// References expire even when never confirmed.
	f.svc.refs = NewReferenceStore(0)
	ref := createRef(t, f, f.entry.RoutingID)

	_, err := f.svc.Confirm(ctx, ref.ID, provider.Descriptor{Rail: provider.RailOnChain, TxHash: "0xabc", Payer: callerAddr})
	if !errors.Is(err, ErrReferenceNotFound) {
		t.Errorf("expired reference should be not found, got %v", err)
	}

	// And no session was created.
	sessions, _ := f.calls.List(ctx, 10, 0)
	if len(sessions) != 0 {
		t.Errorf("no session should exist, got %d", len(sessions))
	}
}

func TestConfirm_PaymentNotConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ref := createRef(t, f, f.entry.RoutingID)
	f.verifier.err = provider.ErrPaymentNotConfirmed

	_, err := f.svc.Confirm(ctx, ref.ID, provider.Descriptor{Rail: provider.RailOnChain, TxHash: "0xabc", Payer: callerAddr})
	if !errors.Is(err, ErrPaymentNotConfirmed) {
		t.Errorf("expected ErrPaymentNotConfirmed, got %v", err)
	}
}

func TestConfirm_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ref := createRef(t, f, f.entry.RoutingID)
	d := provider.Descriptor{Rail: provider.RailOnChain, TxHash: "0xabc", Payer: callerAddr}

	first, err := f.svc.Confirm(ctx, ref.ID, d)
	if err != nil {
		t.Fatalf("first Confirm failed: %v", err)
	}
	second, err := f.svc.Confirm(ctx, ref.ID, d)
	if err != nil {
		t.Fatalf("retried Confirm failed: %v", err)
	}

	if first.Session.ID != second.Session.ID {
		t.Errorf("retried confirmation created a second session: %s vs %s",
			first.Session.ID, second.Session.ID)
	}
	if len(f.dialer.placed) != 1 {
		t.Errorf("retried confirmation must not dial again, got %d dials", len(f.dialer.placed))
	}
}

func TestConfirm_ConcurrentDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ref := createRef(t, f, f.entry.RoutingID)
	d := provider.Descriptor{Rail: provider.RailOnChain, TxHash: "0xabc", Payer: callerAddr}

	// Hold the winner inside payment verification so the duplicate
	// confirmation arrives while the first is still in flight.
	gate := make(chan struct{})
	f.verifier.gate = gate

	results := make(chan *ConfirmResult, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.svc.Confirm(ctx, ref.ID, d)
			if err != nil {
				t.Errorf("Confirm failed: %v", err)
				return
			}
			results <- r
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(results)

	var ids []string
	for r := range results {
		ids = append(ids, r.Session.ID)
	}
	if len(ids) != 2 || ids[0] != ids[1] {
		t.Fatalf("both confirmations should resolve to one session, got %v", ids)
	}

	// Exactly one escrow, one session, one dial.
	pays, _ := f.payments.List(ctx, 10, 0)
	if len(pays) != 1 {
		t.Errorf("expected one payment, got %d", len(pays))
	}
	sessions, _ := f.calls.List(ctx, 10, 0)
	if len(sessions) != 1 {
		t.Errorf("expected one session, got %d", len(sessions))
	}
	if len(f.dialer.placed) != 1 {
		t.Errorf("expected one dial, got %d", len(f.dialer.placed))
	}
}

func TestConfirm_DialFailureRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ref := createRef(t, f, f.entry.RoutingID)
	f.dialer.err = telephony.ErrUnavailable

	_, err := f.svc.Confirm(ctx, ref.ID, provider.Descriptor{Rail: provider.RailOnChain, TxHash: "0xabc", Payer: callerAddr})
	if err == nil {
		t.Fatal("expected dial failure to surface")
	}

	// The escrow must not sit held forever; the refund path runs
	// through a synthetic leg.
	sessions, _ := f.calls.List(ctx, 10, 0)
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	if !sessions[0].Terminal() || sessions[0].Status != calls.StatusFailed {
		t.Errorf("undialed session should be terminal failed, got %s", sessions[0].Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p, _ := f.payments.Get(ctx, sessions[0].PaymentID)
		if p != nil && p.Status == payments.StatusRefunded {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	p, _ := f.payments.Get(ctx, sessions[0].PaymentID)
	t.Fatalf("payment never refunded, still %s", p.Status)
}
