package store

import (
	"context"
	"errors"
	"time"

	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
)

var (
	ErrNotFound      = errors.New("request not found")
	ErrOfferNotFound = errors.New("offer not found")
)

// AcceptOutcome is the result of the atomic accept transition.
type AcceptOutcome int

const (
	AcceptAssigned AcceptOutcome = iota
	AcceptConflict
	AcceptExpired
	AcceptNotFound
)

func (o AcceptOutcome) String() string {
	switch o {
	case AcceptAssigned:
		return "assigned"
	case AcceptConflict:
		return "conflict"
	case AcceptExpired:
		return "expired"
	default:
		return "not_found"
	}
}

// DispatchStore persists requests and their offer ledger. All request status
// writes go through conditional transitions; nothing mutates status directly.
type DispatchStore interface {
	CreateRequest(ctx context.Context, r *models.Request) error
	GetRequest(ctx context.Context, id string) (*models.Request, error)

	// UpdateRequestStatus performs a compare-and-swap on the status column.
	// It reports whether the transition was applied.
	UpdateRequestStatus(ctx context.Context, id string, from, to models.RequestStatus) (bool, error)

	// ClearAssignment moves the request to the given status, clears the
	// assigned driver and returns the driver that was freed.
	ClearAssignment(ctx context.Context, id string, to models.RequestStatus) (string, error)

	// BumpRebroadcast increments the retry counter and returns the new value.
	BumpRebroadcast(ctx context.Context, id string) (int, error)

	CreateOffers(ctx context.Context, offers []models.Offer) error
	OffersByRequest(ctx context.Context, requestID string) ([]models.Offer, error)
	MarkOffer(ctx context.Context, requestID, driverID string, from, to models.OfferState) (bool, error)

	// AcceptOffer is the single atomic conditional transition the subsystem
	// exists to guarantee: offer pending->accepted and request
	// unassigned->assigned(driverID), both or neither. On success every
	// sibling pending offer is rejected and their driver IDs returned so the
	// caller can notify the losers.
	AcceptOffer(ctx context.Context, requestID, driverID string, accepted models.RequestStatus, now time.Time) (AcceptOutcome, []string, error)

	// ExpireOverdue transitions every pending offer past its deadline to
	// expired and returns the transitioned offers.
	ExpireOverdue(ctx context.Context, now time.Time) ([]models.Offer, error)

	// ExpirePendingForDriver invalidates a driver's outstanding pending
	// offers (used when the driver goes offline mid-broadcast).
	ExpirePendingForDriver(ctx context.Context, driverID string) (int, error)

	// ExpireActiveForRequest invalidates every live offer of one request,
	// pending and accepted alike. Used on cancellation: demoting the
	// winner's accepted offer is what lets a re-broadcast offer the request
	// to that driver again.
	ExpireActiveForRequest(ctx context.Context, requestID string) error

	// StalledRequests returns unassigned requests in the broadcast phase with
	// no pending offer left, i.e. candidates for re-broadcast or giving up.
	StalledRequests(ctx context.Context, now time.Time) ([]models.Request, error)
}
