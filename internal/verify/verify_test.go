package verify

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCheck(t *testing.T) {
	l := NewLedger(5 * time.Minute)
	ctx := context.Background()

	l.Register(ctx, "proof-1", "place_call", "human")

	r, err := l.Check(ctx, "proof-1", "place_call")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if r.Level != "human" {
		t.Errorf("expected level human, got %s", r.Level)
	}
}

func TestCheck_NotFound(t *testing.T) {
	l := NewLedger(5 * time.Minute)

	if _, err := l.Check(context.Background(), "nope", "place_call"); !errors.Is(err, ErrProofNotFound) {
		t.Errorf("expected ErrProofNotFound, got %v", err)
	}
}

func TestCheck_WrongScope(t *testing.T) {
	l := NewLedger(5 * time.Minute)
	ctx := context.Background()

	l.Register(ctx, "proof-1", "place_call", "human")

	if _, err := l.Check(ctx, "proof-1", "register_callee"); !errors.Is(err, ErrWrongScope) {
		t.Errorf("expected ErrWrongScope, got %v", err)
	}
}

func TestCheck_ExpiredButStillPresent(t *testing.T) {
	// Zero TTL makes every proof expired immediately. The record is still
	// in the map, which must not make it usable.
	l := NewLedger(0)
	ctx := context.Background()

	l.Register(ctx, "proof-1", "place_call", "human")

	if _, err := l.Check(ctx, "proof-1", "place_call"); !errors.Is(err, ErrProofExpired) {
		t.Errorf("expected ErrProofExpired, got %v", err)
	}
}

func TestCheck_NonDestructive(t *testing.T) {
	l := NewLedger(5 * time.Minute)
	ctx := context.Background()

	l.Register(ctx, "proof-1", "place_call", "human")

	// Retried confirmations re-check the same proof.
	for i := 0; i < 3; i++ {
		if _, err := l.Check(ctx, "proof-1", "place_call"); err != nil {
			t.Fatalf("check %d failed: %v", i, err)
		}
	}
}

func TestSweepExpired(t *testing.T) {
	l := NewLedger(10 * time.Millisecond)
	ctx := context.Background()

	l.Register(ctx, "old", "place_call", "human")
	time.Sleep(20 * time.Millisecond)
	l.Register(ctx, "fresh", "place_call", "human")

	if n := l.SweepExpired(); n != 1 {
		t.Errorf("expected 1 swept, got %d", n)
	}

	if _, err := l.Check(ctx, "old", "place_call"); !errors.Is(err, ErrProofNotFound) {
		t.Errorf("swept proof should be not found, got %v", err)
	}
	if _, err := l.Check(ctx, "fresh", "place_call"); err != nil {
		t.Errorf("fresh proof should survive the sweep: %v", err)
	}
}
