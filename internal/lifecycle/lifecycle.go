// Package lifecycle drives an assigned request through its per-service-type
// state table. The three service types share the acceptance phase and diverge
// afterwards; the tables below are the single source of legal transitions.
package lifecycle

import (
	"errors"

	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotCancellable    = errors.New("request is not cancellable in its current state")
)

// transitions lists, per service type, the states adjacent to each state.
// Cancellation is handled separately via cancellable.
var transitions = map[models.ServiceType]map[models.RequestStatus][]models.RequestStatus{
	models.ServiceTaxi: {
		models.StatusPending:       {models.StatusDispatching},
		models.StatusDispatching:   {models.StatusAccepted, models.StatusUnassignable},
		models.StatusAccepted:      {models.StatusDriverArrived},
		models.StatusDriverArrived: {models.StatusInProgress},
		models.StatusInProgress:    {models.StatusCompleted},
	},
	models.ServiceDelivery: {
		models.StatusPending:     {models.StatusDispatching},
		models.StatusDispatching: {models.StatusConfirmed, models.StatusUnassignable},
		models.StatusConfirmed:   {models.StatusPickedUp},
		models.StatusPickedUp:    {models.StatusInTransit},
		models.StatusInTransit:   {models.StatusDelivered},
	},
	models.ServiceMarketplace: {
		models.StatusPending:     {models.StatusDispatching},
		models.StatusDispatching: {models.StatusAssigned, models.StatusUnassignable},
		models.StatusAssigned:    {models.StatusPickedUp},
		models.StatusPickedUp:    {models.StatusDelivered},
	},
}

// cancellable lists the states a request of each type may be cancelled from.
var cancellable = map[models.ServiceType]map[models.RequestStatus]bool{
	models.ServiceTaxi: {
		models.StatusPending:       true,
		models.StatusDispatching:   true,
		models.StatusAccepted:      true,
		models.StatusDriverArrived: true,
		models.StatusInProgress:    true,
	},
	models.ServiceDelivery: {
		models.StatusPending:     true,
		models.StatusDispatching: true,
		models.StatusConfirmed:   true,
	},
	models.ServiceMarketplace: {
		models.StatusPending:     true,
		models.StatusDispatching: true,
		models.StatusAssigned:    true,
	},
}

// CanAdvance reports whether to is adjacent to from in the service's table.
func CanAdvance(st models.ServiceType, from, to models.RequestStatus) bool {
	next, ok := transitions[st][from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// CanCancel reports whether the request may be cancelled from this state.
func CanCancel(st models.ServiceType, from models.RequestStatus) bool {
	return cancellable[st][from]
}

// AcceptedStatus is the state a request of the given type enters when a
// driver wins the assignment.
func AcceptedStatus(st models.ServiceType) models.RequestStatus {
	switch st {
	case models.ServiceDelivery:
		return models.StatusConfirmed
	case models.ServiceMarketplace:
		return models.StatusAssigned
	default:
		return models.StatusAccepted
	}
}
