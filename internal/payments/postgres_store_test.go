package payments

import (
	"context"
	"testing"
	"time"

	"github.com/mkarel/ringlock/internal/testutil"
)

func pgPayment(id string) *Payment {
	now := time.Now().UTC()
	return &Payment{
		ID:            id,
		CallerAddress: "0xcaller",
		Amount:        "5.00",
		ChainID:       84532,
		Status:        StatusHeld,
		CreatedAt:     now,
	}
}

func TestPostgresStore_SettleTransition(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgPayment("pay_pg_1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	pm, did, err := store.SetSettled(ctx, "pay_pg_1", StatusForwarded, "0xabc", "")
	if err != nil {
		t.Fatalf("SetSettled failed: %v", err)
	}
	if !did {
		t.Error("first settle should perform the transition")
	}
	if pm.Status != StatusForwarded || pm.TxHash != "0xabc" {
		t.Errorf("unexpected payment after settle: %+v", pm)
	}
	if pm.SettledAt == nil {
		t.Error("settled payment should carry a settled timestamp")
	}

	// A second settle attempt must lose the race and leave the row alone.
	pm, did, err = store.SetSettled(ctx, "pay_pg_1", StatusRefunded, "0xdef", "")
	if err != nil {
		t.Fatalf("second SetSettled failed: %v", err)
	}
	if did {
		t.Error("second settle should not transition")
	}
	if pm.Status != StatusForwarded {
		t.Errorf("status should remain forwarded, got %s", pm.Status)
	}
}

func TestPostgresStore_StuckThenResolve(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgPayment("pay_pg_2")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	pm, did, err := store.SetStuck(ctx, "pay_pg_2", "transfer exhausted retries")
	if err != nil || !did {
		t.Fatalf("SetStuck failed: did=%v err=%v", did, err)
	}
	if pm.StuckReason != "transfer exhausted retries" {
		t.Errorf("stuck reason not persisted: %q", pm.StuckReason)
	}

	// Resolve requires the stuck state and records the operator.
	pm, did, err = store.Resolve(ctx, "pay_pg_2", StatusRefunded, "wire-123", "alice")
	if err != nil || !did {
		t.Fatalf("Resolve failed: did=%v err=%v", did, err)
	}
	if pm.Status != StatusRefunded || pm.ResolvedBy != "alice" || pm.TxHash != "wire-123" {
		t.Errorf("unexpected payment after resolve: %+v", pm)
	}

	// Resolving twice is a no-op.
	_, did, err = store.Resolve(ctx, "pay_pg_2", StatusForwarded, "wire-456", "bob")
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if did {
		t.Error("second resolve should not transition")
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	if _, err := store.Get(context.Background(), "pay_missing"); err != ErrPaymentNotFound {
		t.Errorf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestPostgresStore_ListByStatus(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	for _, id := range []string{"pay_pg_a", "pay_pg_b", "pay_pg_c"} {
		if err := store.Create(ctx, pgPayment(id)); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}
	if _, _, err := store.SetStuck(ctx, "pay_pg_b", "unresolvable callee"); err != nil {
		t.Fatalf("SetStuck failed: %v", err)
	}

	stuck, err := store.ListByStatus(ctx, StatusStuck, 10)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "pay_pg_b" {
		t.Errorf("expected only pay_pg_b stuck, got %+v", stuck)
	}

	n, err := store.CountByStatus(ctx, StatusHeld)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 held payments, got %d", n)
	}
}
