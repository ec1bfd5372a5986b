package notify

import (
	"context"
	"time"

	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
)

// Event kinds emitted towards the notification gateway.
const (
	KindOfferIssued       = "offer_issued"
	KindOfferWon          = "offer_won"
	KindOfferLost         = "offer_lost"
	KindOrderStateChanged = "order_state_changed"
)

// Loss reasons carried in OfferLost events.
const (
	ReasonTaken   = "taken"
	ReasonExpired = "expired"
)

// Event is the wire shape of every egress notification. DriverID is empty
// for events that are not directed at a specific driver.
type Event struct {
	Kind      string               `json:"kind"`
	RequestID string               `json:"request_id"`
	DriverID  string               `json:"driver_id,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	TTLMillis int64                `json:"ttl_ms,omitempty"`
	OldState  models.RequestStatus `json:"old_state,omitempty"`
	NewState  models.RequestStatus `json:"new_state,omitempty"`
}

// Notifier is the boundary to the notification gateway. The dispatch core
// only emits; delivery mechanics live on the other side.
type Notifier interface {
	OfferIssued(ctx context.Context, requestID, driverID string, ttl time.Duration) error
	OfferWon(ctx context.Context, requestID, driverID string) error
	OfferLost(ctx context.Context, requestID, driverID, reason string) error
	OrderStateChanged(ctx context.Context, requestID, driverID string, oldState, newState models.RequestStatus) error
}

// Fanout sends every event to each backend, keeping going on errors.
// The last error wins; offer delivery is best-effort by contract.
type Fanout []Notifier

func (f Fanout) OfferIssued(ctx context.Context, requestID, driverID string, ttl time.Duration) error {
	var last error
	for _, n := range f {
		if err := n.OfferIssued(ctx, requestID, driverID, ttl); err != nil {
			last = err
		}
	}
	return last
}

func (f Fanout) OfferWon(ctx context.Context, requestID, driverID string) error {
	var last error
	for _, n := range f {
		if err := n.OfferWon(ctx, requestID, driverID); err != nil {
			last = err
		}
	}
	return last
}

func (f Fanout) OfferLost(ctx context.Context, requestID, driverID, reason string) error {
	var last error
	for _, n := range f {
		if err := n.OfferLost(ctx, requestID, driverID, reason); err != nil {
			last = err
		}
	}
	return last
}

func (f Fanout) OrderStateChanged(ctx context.Context, requestID, driverID string, oldState, newState models.RequestStatus) error {
	var last error
	for _, n := range f {
		if err := n.OrderStateChanged(ctx, requestID, driverID, oldState, newState); err != nil {
			last = err
		}
	}
	return last
}
