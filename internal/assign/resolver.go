// Package assign resolves the first-accept-wins race: exactly one driver may
// take a request, every competing accept gets a clean conflict or expiry.
package assign

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Kwendataxi/kwenda-dispatch/internal/lifecycle"
	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
	"github.com/Kwendataxi/kwenda-dispatch/internal/notify"
	"github.com/Kwendataxi/kwenda-dispatch/internal/observability"
	"github.com/Kwendataxi/kwenda-dispatch/internal/presence"
	"github.com/Kwendataxi/kwenda-dispatch/internal/store"
)

var (
	// ErrConflict and ErrExpired are expected, frequent outcomes of the
	// accept race; callers convert them into "offer withdrawn" signals.
	ErrConflict = errors.New("request already assigned to another driver")
	ErrExpired  = errors.New("offer expired")
)

type Resolver struct {
	Store    store.DispatchStore
	Presence presence.Registry
	Notify   notify.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Accept attempts the atomic assignment of requestID to driverID. On success
// the winner is made unavailable, every losing sibling offer is rejected and
// both sides are notified. Losing the race returns ErrConflict; arriving
// after the TTL returns ErrExpired, even when nobody else has accepted.
func (r *Resolver) Accept(ctx context.Context, requestID, driverID string) error {
	req, err := r.Store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	target := lifecycle.AcceptedStatus(req.ServiceType)

	outcome, losers, err := r.Store.AcceptOffer(ctx, requestID, driverID, target, r.now())
	if err != nil {
		return err
	}
	switch outcome {
	case store.AcceptAssigned:
	case store.AcceptConflict:
		observability.AcceptConflictsTotal.Inc()
		return ErrConflict
	case store.AcceptExpired:
		observability.AcceptExpiredTotal.Inc()
		observability.OffersExpiredTotal.Inc()
		return ErrExpired
	default:
		return store.ErrOfferNotFound
	}

	observability.OffersAcceptedTotal.Inc()
	if err := r.Presence.SetAvailability(ctx, driverID, false); err != nil {
		r.Logger.Warn("failed to mark winner unavailable", "driver_id", driverID, "error", err)
	}

	_ = r.Notify.OfferWon(ctx, requestID, driverID)
	for _, loser := range losers {
		observability.OffersRejectedTotal.Inc()
		_ = r.Notify.OfferLost(ctx, requestID, loser, notify.ReasonTaken)
	}
	_ = r.Notify.OrderStateChanged(ctx, requestID, driverID, req.Status, target)

	r.Logger.Info("request assigned",
		"request_id", requestID, "driver_id", driverID,
		"service_type", req.ServiceType, "losing_offers", len(losers))
	return nil
}

// Reject records an explicit driver decline. Sibling offers are untouched
// and no re-broadcast is triggered; the expiry sweep owns that decision.
func (r *Resolver) Reject(ctx context.Context, requestID, driverID string) error {
	ok, err := r.Store.MarkOffer(ctx, requestID, driverID, models.OfferPending, models.OfferRejected)
	if err != nil {
		return err
	}
	if ok {
		observability.OffersRejectedTotal.Inc()
	}
	return nil
}

// DriverOffline invalidates the driver's outstanding pending offers without
// touching siblings. Called when a driver goes offline mid-broadcast.
func (r *Resolver) DriverOffline(ctx context.Context, driverID string) error {
	n, err := r.Store.ExpirePendingForDriver(ctx, driverID)
	if err != nil {
		return err
	}
	if n > 0 {
		r.Logger.Info("expired pending offers for offline driver", "driver_id", driverID, "offers", n)
	}
	return nil
}
