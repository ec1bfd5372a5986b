package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
	"github.com/Kwendataxi/kwenda-dispatch/internal/presence"
	"github.com/Kwendataxi/kwenda-dispatch/internal/store"
)

func TestCanAdvanceTables(t *testing.T) {
	cases := []struct {
		st   models.ServiceType
		from models.RequestStatus
		to   models.RequestStatus
		ok   bool
	}{
		{models.ServiceTaxi, models.StatusAccepted, models.StatusDriverArrived, true},
		{models.ServiceTaxi, models.StatusDriverArrived, models.StatusInProgress, true},
		{models.ServiceTaxi, models.StatusInProgress, models.StatusCompleted, true},
		{models.ServiceTaxi, models.StatusAccepted, models.StatusInProgress, false}, // skips arrival
		{models.ServiceTaxi, models.StatusPending, models.StatusInProgress, false},
		{models.ServiceTaxi, models.StatusCompleted, models.StatusInProgress, false}, // terminal
		{models.ServiceDelivery, models.StatusConfirmed, models.StatusPickedUp, true},
		{models.ServiceDelivery, models.StatusPickedUp, models.StatusInTransit, true},
		{models.ServiceDelivery, models.StatusInTransit, models.StatusDelivered, true},
		{models.ServiceDelivery, models.StatusConfirmed, models.StatusDelivered, false},
		{models.ServiceMarketplace, models.StatusAssigned, models.StatusPickedUp, true},
		{models.ServiceMarketplace, models.StatusPickedUp, models.StatusDelivered, true},
		{models.ServiceMarketplace, models.StatusPickedUp, models.StatusInTransit, false}, // no transit leg
		{models.ServiceMarketplace, models.StatusAssigned, models.StatusDelivered, false},
	}
	for _, c := range cases {
		if got := CanAdvance(c.st, c.from, c.to); got != c.ok {
			t.Errorf("CanAdvance(%s, %s, %s) = %v, want %v", c.st, c.from, c.to, got, c.ok)
		}
	}
}

func TestCanCancel(t *testing.T) {
	cases := []struct {
		st   models.ServiceType
		from models.RequestStatus
		ok   bool
	}{
		{models.ServiceTaxi, models.StatusInProgress, true},
		{models.ServiceTaxi, models.StatusCompleted, false},
		{models.ServiceDelivery, models.StatusConfirmed, true},
		{models.ServiceDelivery, models.StatusPickedUp, false}, // parcel already on board
		{models.ServiceMarketplace, models.StatusAssigned, true},
		{models.ServiceMarketplace, models.StatusPickedUp, false},
	}
	for _, c := range cases {
		if got := CanCancel(c.st, c.from); got != c.ok {
			t.Errorf("CanCancel(%s, %s) = %v, want %v", c.st, c.from, got, c.ok)
		}
	}
}

func TestAcceptedStatus(t *testing.T) {
	if s := AcceptedStatus(models.ServiceTaxi); s != models.StatusAccepted {
		t.Errorf("taxi: %s", s)
	}
	if s := AcceptedStatus(models.ServiceDelivery); s != models.StatusConfirmed {
		t.Errorf("delivery: %s", s)
	}
	if s := AcceptedStatus(models.ServiceMarketplace); s != models.StatusAssigned {
		t.Errorf("marketplace: %s", s)
	}
}

// --- machine tests ---

type stateEvent struct {
	requestID string
	driverID  string
	old, new  models.RequestStatus
}

type recNotifier struct {
	mu     sync.Mutex
	events []stateEvent
}

func (r *recNotifier) OrderStateChanged(ctx context.Context, requestID, driverID string, oldS, newS models.RequestStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, stateEvent{requestID, driverID, oldS, newS})
	return nil
}

type recDispatcher struct {
	mu        sync.Mutex
	requested []string
}

func (d *recDispatcher) Dispatch(ctx context.Context, req *models.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requested = append(d.requested, req.ID)
	return nil
}

type fixture struct {
	machine *Machine
	store   *store.MemoryStore
	reg     *presence.Index
	rec     *recNotifier
	requeue *recDispatcher
}

func setup(t *testing.T, st models.ServiceType, status models.RequestStatus, driverID string) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	reg := presence.NewIndex()
	rec := &recNotifier{}
	rq := &recDispatcher{}

	now := time.Now()
	req := &models.Request{
		ID: "r1", ServiceType: st, Status: status,
		AssignedDriverID: driverID,
		Origin:           models.Coord{Lat: 0, Lng: 0},
		Destination:      models.Coord{Lat: 0.01, Lng: 0.01},
		CreatedAt:        now, UpdatedAt: now,
	}
	if err := mem.CreateRequest(context.Background(), req); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if driverID != "" {
		err := reg.Heartbeat(context.Background(), presence.HeartbeatUpdate{
			DriverID: driverID, Online: true, Available: false,
			Loc:          models.Coord{Lat: 0, Lng: 0},
			VehicleClass: models.ClassEconomy,
			ServiceTypes: []models.ServiceType{st},
		})
		if err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}
	return &fixture{
		machine: &Machine{Store: mem, Presence: reg, Notify: rec, Requeue: rq,
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil))},
		store: mem, reg: reg, rec: rec, requeue: rq,
	}
}

func TestAdvanceValidStep(t *testing.T) {
	ctx := context.Background()
	f := setup(t, models.ServiceTaxi, models.StatusAccepted, "D1")

	if err := f.machine.Advance(ctx, "r1", models.StatusDriverArrived); err != nil {
		t.Fatalf("advance: %v", err)
	}
	req, _ := f.store.GetRequest(ctx, "r1")
	if req.Status != models.StatusDriverArrived {
		t.Fatalf("expected driver_arrived, got %s", req.Status)
	}
	if len(f.rec.events) != 1 || f.rec.events[0].new != models.StatusDriverArrived {
		t.Fatalf("expected state change event, got %+v", f.rec.events)
	}
}

func TestAdvanceRejectsSkippedState(t *testing.T) {
	ctx := context.Background()
	f := setup(t, models.ServiceTaxi, models.StatusAccepted, "D1")

	err := f.machine.Advance(ctx, "r1", models.StatusInProgress)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	req, _ := f.store.GetRequest(ctx, "r1")
	if req.Status != models.StatusAccepted {
		t.Fatalf("state must not move, got %s", req.Status)
	}
}

func TestCompletionFreesDriver(t *testing.T) {
	ctx := context.Background()
	f := setup(t, models.ServiceTaxi, models.StatusInProgress, "D1")

	if err := f.machine.Advance(ctx, "r1", models.StatusCompleted); err != nil {
		t.Fatalf("advance: %v", err)
	}
	d, err := f.reg.Get(ctx, "D1")
	if err != nil {
		t.Fatalf("get driver: %v", err)
	}
	if !d.Available {
		t.Fatal("driver must be available again after completion")
	}
}

func TestRiderCancelMidFlight(t *testing.T) {
	ctx := context.Background()
	f := setup(t, models.ServiceTaxi, models.StatusDriverArrived, "D1")

	err := f.machine.Cancel(ctx, "r1", CancelOptions{Actor: "rider"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	req, _ := f.store.GetRequest(ctx, "r1")
	if req.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", req.Status)
	}
	if req.AssignedDriverID != "" {
		t.Fatalf("assignment must be cleared, got %q", req.AssignedDriverID)
	}
	d, _ := f.reg.Get(ctx, "D1")
	if !d.Available {
		t.Fatal("driver must be freed on cancellation")
	}
	if len(f.requeue.requested) != 0 {
		t.Fatal("rider cancel must not requeue")
	}
}

func TestCancelExpiresPendingOffers(t *testing.T) {
	ctx := context.Background()
	f := setup(t, models.ServiceTaxi, models.StatusDispatching, "")
	err := f.store.CreateOffers(ctx, []models.Offer{
		{RequestID: "r1", DriverID: "D1", State: models.OfferPending, IssuedAt: time.Now(), TTL: 30 * time.Second},
		{RequestID: "r1", DriverID: "D2", State: models.OfferPending, IssuedAt: time.Now(), TTL: 30 * time.Second},
	})
	if err != nil {
		t.Fatalf("create offers: %v", err)
	}

	if err := f.machine.Cancel(ctx, "r1", CancelOptions{Actor: "rider"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	offers, _ := f.store.OffersByRequest(ctx, "r1")
	for _, o := range offers {
		if o.State != models.OfferExpired {
			t.Fatalf("offer %s must be expired, got %s", o.DriverID, o.State)
		}
	}
}

func TestDriverBailRequeuesTaxi(t *testing.T) {
	ctx := context.Background()
	f := setup(t, models.ServiceTaxi, models.StatusAccepted, "D1")
	err := f.store.CreateOffers(ctx, []models.Offer{
		{RequestID: "r1", DriverID: "D1", State: models.OfferAccepted, IssuedAt: time.Now(), TTL: 30 * time.Second},
	})
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}

	err = f.machine.Cancel(ctx, "r1", CancelOptions{Actor: "driver", Requeue: true})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	req, _ := f.store.GetRequest(ctx, "r1")
	if req.Status != models.StatusPending {
		t.Fatalf("expected pending for re-broadcast, got %s", req.Status)
	}
	if req.AssignedDriverID != "" {
		t.Fatalf("assignment must be cleared, got %q", req.AssignedDriverID)
	}
	if len(f.requeue.requested) != 1 || f.requeue.requested[0] != "r1" {
		t.Fatalf("expected one requeue dispatch, got %v", f.requeue.requested)
	}
	// the bailing driver's accepted offer must not survive the cancel, or
	// the next accept for this request can never win
	offers, _ := f.store.OffersByRequest(ctx, "r1")
	if len(offers) != 1 || offers[0].State != models.OfferExpired {
		t.Fatalf("expected the accepted offer expired, got %+v", offers)
	}
}

func TestMarketplaceCancelNeverRequeues(t *testing.T) {
	ctx := context.Background()
	f := setup(t, models.ServiceMarketplace, models.StatusAssigned, "D1")

	err := f.machine.Cancel(ctx, "r1", CancelOptions{Actor: "driver", Requeue: true})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	req, _ := f.store.GetRequest(ctx, "r1")
	if req.Status != models.StatusCancelled {
		t.Fatalf("marketplace cancel must terminate, got %s", req.Status)
	}
	if len(f.requeue.requested) != 0 {
		t.Fatalf("marketplace must not requeue, got %v", f.requeue.requested)
	}
}

func TestCancelAfterPickupRejected(t *testing.T) {
	ctx := context.Background()
	f := setup(t, models.ServiceDelivery, models.StatusPickedUp, "D1")

	err := f.machine.Cancel(ctx, "r1", CancelOptions{Actor: "rider"})
	if !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
	req, _ := f.store.GetRequest(ctx, "r1")
	if req.Status != models.StatusPickedUp {
		t.Fatalf("state must not move, got %s", req.Status)
	}
}

func TestCancelTerminalRejected(t *testing.T) {
	ctx := context.Background()
	f := setup(t, models.ServiceTaxi, models.StatusCompleted, "")

	err := f.machine.Cancel(ctx, "r1", CancelOptions{Actor: "rider"})
	if !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}
