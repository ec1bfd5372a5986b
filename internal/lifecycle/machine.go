package lifecycle

import (
	"context"
	"log/slog"

	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
	"github.com/Kwendataxi/kwenda-dispatch/internal/presence"
	"github.com/Kwendataxi/kwenda-dispatch/internal/store"
)

// Dispatcher re-enters a cancelled taxi/delivery request into the broadcast
// cycle. Implemented by the request broadcaster.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *models.Request) error
}

// Notifier is the slice of the gateway boundary the machine needs.
type Notifier interface {
	OrderStateChanged(ctx context.Context, requestID, driverID string, oldState, newState models.RequestStatus) error
}

// Machine applies validated transitions and keeps driver availability in
// sync with terminal states.
type Machine struct {
	Store    store.DispatchStore
	Presence presence.Registry
	Notify   Notifier
	Requeue  Dispatcher
	Logger   *slog.Logger
}

// Advance moves the request to target if target is adjacent in the service's
// state table. Non-adjacent targets are rejected, never coerced.
func (m *Machine) Advance(ctx context.Context, requestID string, target models.RequestStatus) error {
	req, err := m.Store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !CanAdvance(req.ServiceType, req.Status, target) {
		return ErrInvalidTransition
	}
	ok, err := m.Store.UpdateRequestStatus(ctx, requestID, req.Status, target)
	if err != nil {
		return err
	}
	if !ok {
		// lost a race with a concurrent transition
		return ErrInvalidTransition
	}
	_ = m.Notify.OrderStateChanged(ctx, requestID, req.AssignedDriverID, req.Status, target)
	if target.Terminal() {
		m.freeDriver(ctx, req.AssignedDriverID)
	}
	return nil
}

// CancelOptions select who cancels and whether the request should go back
// into the broadcast cycle (driver bail-out on taxi/delivery).
type CancelOptions struct {
	Actor   string // "rider", "driver" or "system"
	Requeue bool
}

// Cancel aborts a non-terminal request. It expires every live offer
// (including the winner's accepted one), clears the assignment and frees the
// driver. With Requeue set on a taxi or delivery request, the request
// re-enters pending and is broadcast again; marketplace cancellations always
// terminate.
func (m *Machine) Cancel(ctx context.Context, requestID string, opts CancelOptions) error {
	req, err := m.Store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return ErrNotCancellable
	}
	if !CanCancel(req.ServiceType, req.Status) {
		return ErrNotCancellable
	}

	if err := m.Store.ExpireActiveForRequest(ctx, requestID); err != nil {
		return err
	}

	requeue := opts.Requeue && req.ServiceType != models.ServiceMarketplace
	target := models.StatusCancelled
	if requeue {
		target = models.StatusPending
	}

	freed, err := m.Store.ClearAssignment(ctx, requestID, target)
	if err != nil {
		return err
	}
	_ = m.Notify.OrderStateChanged(ctx, requestID, freed, req.Status, target)
	m.freeDriver(ctx, freed)

	if requeue && m.Requeue != nil {
		req.Status = target
		req.AssignedDriverID = ""
		if err := m.Requeue.Dispatch(ctx, req); err != nil {
			m.Logger.Warn("requeue dispatch failed", "request_id", requestID, "error", err)
		}
	}
	return nil
}

func (m *Machine) freeDriver(ctx context.Context, driverID string) {
	if driverID == "" {
		return
	}
	if err := m.Presence.SetAvailability(ctx, driverID, true); err != nil {
		m.Logger.Warn("failed to free driver", "driver_id", driverID, "error", err)
	}
}
