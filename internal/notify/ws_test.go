package notify

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWSRegistryRemovePrunesSession(t *testing.T) {
	ctx := context.Background()
	r := NewWSRegistry()
	r.Add("D1", nil)
	r.Remove("D1")

	err := r.OfferWon(ctx, "r1", "D1")
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("removed session must be gone, got %v", err)
	}
}

func TestWSRegistryUnknownDriver(t *testing.T) {
	ctx := context.Background()
	r := NewWSRegistry()

	if err := r.OfferIssued(ctx, "r1", "D9", 30*time.Second); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	// events without a driver target are not ws-delivered at all
	if err := r.OrderStateChanged(ctx, "r1", "", "pending", "unassignable"); err != nil {
		t.Fatalf("untargeted event must be a no-op, got %v", err)
	}
}
