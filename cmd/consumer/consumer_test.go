package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
	"github.com/Kwendataxi/kwenda-dispatch/internal/presence"
)

// fakeUpdater implements PresenceUpdater for tests
type fakeUpdater struct {
	fail  int // number of times to fail before succeeding
	perm  error
	calls int
}

func (f *fakeUpdater) Heartbeat(ctx context.Context, hb presence.HeartbeatUpdate) error {
	f.calls++
	if f.perm != nil {
		return f.perm
	}
	if f.calls <= f.fail {
		return errors.New("redis write fail")
	}
	return nil
}

func testHeartbeat() presence.HeartbeatUpdate {
	return presence.HeartbeatUpdate{
		DriverID: "d1", Online: true, Available: true,
		Loc:          models.Coord{Lat: 1, Lng: 2},
		VehicleClass: models.ClassEconomy,
		ServiceTypes: []models.ServiceType{models.ServiceTaxi},
	}
}

func TestUpdateWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{fail: 2}
	ctx := context.Background()
	start := time.Now()
	if err := updateWithRetry(ctx, f, testHeartbeat(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdateWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{fail: 5}
	ctx := context.Background()
	if err := updateWithRetry(ctx, f, testHeartbeat(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestUpdateWithRetry_PermanentErrorNotRetried(t *testing.T) {
	f := &fakeUpdater{perm: presence.ErrBadCoordinate}
	ctx := context.Background()
	err := updateWithRetry(ctx, f, testHeartbeat(), 3, 5*time.Millisecond)
	if !errors.Is(err, presence.ErrBadCoordinate) {
		t.Fatalf("expected ErrBadCoordinate, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("validation error must not be retried, got %d calls", f.calls)
	}
}
