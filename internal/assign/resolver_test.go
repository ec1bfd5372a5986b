package assign

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
	"github.com/Kwendataxi/kwenda-dispatch/internal/notify"
	"github.com/Kwendataxi/kwenda-dispatch/internal/presence"
	"github.com/Kwendataxi/kwenda-dispatch/internal/store"
)

// recNotifier records emitted events for assertions.
type recNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recNotifier) add(ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recNotifier) OfferIssued(ctx context.Context, requestID, driverID string, ttl time.Duration) error {
	return r.add(notify.Event{Kind: notify.KindOfferIssued, RequestID: requestID, DriverID: driverID})
}

func (r *recNotifier) OfferWon(ctx context.Context, requestID, driverID string) error {
	return r.add(notify.Event{Kind: notify.KindOfferWon, RequestID: requestID, DriverID: driverID})
}

func (r *recNotifier) OfferLost(ctx context.Context, requestID, driverID, reason string) error {
	return r.add(notify.Event{Kind: notify.KindOfferLost, RequestID: requestID, DriverID: driverID, Reason: reason})
}

func (r *recNotifier) OrderStateChanged(ctx context.Context, requestID, driverID string, oldS, newS models.RequestStatus) error {
	return r.add(notify.Event{Kind: notify.KindOrderStateChanged, RequestID: requestID, DriverID: driverID, OldState: oldS, NewState: newS})
}

func (r *recNotifier) byKind(kind string) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func setup(t *testing.T, st models.ServiceType, drivers []string, ttl time.Duration, issued time.Time) (*Resolver, *store.MemoryStore, *presence.Index, *recNotifier) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore()
	reg := presence.NewIndex()
	rec := &recNotifier{}

	req := &models.Request{ID: "r1", ServiceType: st, Status: models.StatusDispatching, CreatedAt: issued, UpdatedAt: issued}
	if err := mem.CreateRequest(ctx, req); err != nil {
		t.Fatalf("create request: %v", err)
	}
	var offers []models.Offer
	for _, d := range drivers {
		offers = append(offers, models.Offer{RequestID: "r1", DriverID: d, State: models.OfferPending, IssuedAt: issued, TTL: ttl})
		if err := reg.Heartbeat(ctx, presence.HeartbeatUpdate{
			DriverID: d, Online: true, Available: true,
			Loc:          models.Coord{Lat: 0, Lng: 0},
			ServiceTypes: []models.ServiceType{st},
		}); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}
	if err := mem.CreateOffers(ctx, offers); err != nil {
		t.Fatalf("create offers: %v", err)
	}
	res := &Resolver{Store: mem, Presence: reg, Notify: rec, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	return res, mem, reg, rec
}

func TestCleanWin(t *testing.T) {
	ctx := context.Background()
	res, mem, reg, rec := setup(t, models.ServiceTaxi, []string{"A", "B"}, 30*time.Second, time.Now())

	if err := res.Accept(ctx, "r1", "A"); err != nil {
		t.Fatalf("A accept: %v", err)
	}
	if err := res.Accept(ctx, "r1", "B"); !errors.Is(err, ErrConflict) {
		t.Fatalf("B expected ErrConflict, got %v", err)
	}

	req, _ := mem.GetRequest(ctx, "r1")
	if req.Status != models.StatusAccepted || req.AssignedDriverID != "A" {
		t.Fatalf("request not assigned to A: %+v", req)
	}

	a, _ := reg.Get(ctx, "A")
	if a.Available {
		t.Fatal("winner must be unavailable")
	}
	b, _ := reg.Get(ctx, "B")
	if !b.Available {
		t.Fatal("loser availability must be untouched")
	}

	won := rec.byKind(notify.KindOfferWon)
	if len(won) != 1 || won[0].DriverID != "A" {
		t.Fatalf("expected OfferWon for A, got %+v", won)
	}
	lost := rec.byKind(notify.KindOfferLost)
	if len(lost) != 1 || lost[0].DriverID != "B" || lost[0].Reason != notify.ReasonTaken {
		t.Fatalf("expected OfferLost(taken) for B, got %+v", lost)
	}
	changed := rec.byKind(notify.KindOrderStateChanged)
	if len(changed) != 1 || changed[0].OldState != models.StatusDispatching || changed[0].NewState != models.StatusAccepted {
		t.Fatalf("expected dispatching->accepted event, got %+v", changed)
	}
}

func TestAcceptedStatusPerServiceType(t *testing.T) {
	cases := []struct {
		st   models.ServiceType
		want models.RequestStatus
	}{
		{models.ServiceTaxi, models.StatusAccepted},
		{models.ServiceDelivery, models.StatusConfirmed},
		{models.ServiceMarketplace, models.StatusAssigned},
	}
	for _, c := range cases {
		ctx := context.Background()
		res, mem, _, _ := setup(t, c.st, []string{"A"}, 30*time.Second, time.Now())
		if err := res.Accept(ctx, "r1", "A"); err != nil {
			t.Fatalf("%s accept: %v", c.st, err)
		}
		req, _ := mem.GetRequest(ctx, "r1")
		if req.Status != c.want {
			t.Fatalf("%s: expected %s, got %s", c.st, c.want, req.Status)
		}
	}
}

func TestLateAcceptReturnsExpired(t *testing.T) {
	ctx := context.Background()
	issued := time.Now().Add(-65 * time.Second)
	res, mem, _, _ := setup(t, models.ServiceDelivery, []string{"D"}, 60*time.Second, issued)

	if err := res.Accept(ctx, "r1", "D"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	req, _ := mem.GetRequest(ctx, "r1")
	if req.AssignedDriverID != "" {
		t.Fatalf("assignment must stay empty, got %q", req.AssignedDriverID)
	}
}

func TestRacingAcceptsExactlyOneAssigned(t *testing.T) {
	ctx := context.Background()
	drivers := []string{"d0", "d1", "d2", "d3", "d4", "d5", "d6", "d7"}
	res, mem, reg, _ := setup(t, models.ServiceTaxi, drivers, 30*time.Second, time.Now())

	errs := make(chan error, len(drivers))
	var wg sync.WaitGroup
	for _, d := range drivers {
		wg.Add(1)
		go func(driver string) {
			defer wg.Done()
			errs <- res.Accept(ctx, "r1", driver)
		}(d)
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 win, got %d", wins)
	}

	req, _ := mem.GetRequest(ctx, "r1")
	winner, _ := reg.Get(ctx, req.AssignedDriverID)
	if winner.Available {
		t.Fatal("winner must be unavailable")
	}
}

func TestRejectLeavesSiblingsAlone(t *testing.T) {
	ctx := context.Background()
	res, mem, _, _ := setup(t, models.ServiceTaxi, []string{"A", "B"}, 30*time.Second, time.Now())

	if err := res.Reject(ctx, "r1", "A"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	offers, _ := mem.OffersByRequest(ctx, "r1")
	for _, o := range offers {
		switch o.DriverID {
		case "A":
			if o.State != models.OfferRejected {
				t.Fatalf("A should be rejected, got %s", o.State)
			}
		case "B":
			if o.State != models.OfferPending {
				t.Fatalf("B should stay pending, got %s", o.State)
			}
		}
	}
	// the sibling can still win
	if err := res.Accept(ctx, "r1", "B"); err != nil {
		t.Fatalf("B accept after A reject: %v", err)
	}
}

func TestDriverOfflineInvalidatesOnlyTheirOffers(t *testing.T) {
	ctx := context.Background()
	res, mem, _, _ := setup(t, models.ServiceTaxi, []string{"A", "B"}, 30*time.Second, time.Now())

	if err := res.DriverOffline(ctx, "A"); err != nil {
		t.Fatalf("offline: %v", err)
	}
	if err := res.Accept(ctx, "r1", "A"); !errors.Is(err, ErrExpired) {
		t.Fatalf("offline driver accept should be expired, got %v", err)
	}
	if err := res.Accept(ctx, "r1", "B"); err != nil {
		t.Fatalf("sibling accept: %v", err)
	}
	req, _ := mem.GetRequest(ctx, "r1")
	if req.AssignedDriverID != "B" {
		t.Fatalf("expected B assigned, got %q", req.AssignedDriverID)
	}
}
