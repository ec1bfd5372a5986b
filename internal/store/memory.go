package store

import (
	"context"
	"sync"
	"time"

	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
)

// MemoryStore keeps requests and offers in process. Each request carries its
// own lock so concurrent accepts serialize per assignment slot, not globally.
type MemoryStore struct {
	mu   sync.RWMutex
	reqs map[string]*memRequest
}

type memRequest struct {
	mu     sync.Mutex
	req    models.Request
	offers map[string]*models.Offer // keyed by driver ID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reqs: make(map[string]*memRequest)}
}

func (m *MemoryStore) get(id string) (*memRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reqs[id]
	return r, ok
}

func (m *MemoryStore) CreateRequest(ctx context.Context, r *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs[r.ID] = &memRequest{req: *r, offers: make(map[string]*models.Offer)}
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	mr, ok := m.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	cp := mr.req
	return &cp, nil
}

func (m *MemoryStore) UpdateRequestStatus(ctx context.Context, id string, from, to models.RequestStatus) (bool, error) {
	mr, ok := m.get(id)
	if !ok {
		return false, ErrNotFound
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.req.Status != from {
		return false, nil
	}
	mr.req.Status = to
	mr.req.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ClearAssignment(ctx context.Context, id string, to models.RequestStatus) (string, error) {
	mr, ok := m.get(id)
	if !ok {
		return "", ErrNotFound
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	freed := mr.req.AssignedDriverID
	mr.req.AssignedDriverID = ""
	mr.req.Status = to
	mr.req.UpdatedAt = time.Now()
	return freed, nil
}

func (m *MemoryStore) BumpRebroadcast(ctx context.Context, id string) (int, error) {
	mr, ok := m.get(id)
	if !ok {
		return 0, ErrNotFound
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.req.Rebroadcasts++
	return mr.req.Rebroadcasts, nil
}

func (m *MemoryStore) CreateOffers(ctx context.Context, offers []models.Offer) error {
	for _, o := range offers {
		mr, ok := m.get(o.RequestID)
		if !ok {
			return ErrNotFound
		}
		mr.mu.Lock()
		cp := o
		mr.offers[o.DriverID] = &cp
		mr.mu.Unlock()
	}
	return nil
}

func (m *MemoryStore) OffersByRequest(ctx context.Context, requestID string) ([]models.Offer, error) {
	mr, ok := m.get(requestID)
	if !ok {
		return nil, ErrNotFound
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	out := make([]models.Offer, 0, len(mr.offers))
	for _, o := range mr.offers {
		out = append(out, *o)
	}
	return out, nil
}

func (m *MemoryStore) MarkOffer(ctx context.Context, requestID, driverID string, from, to models.OfferState) (bool, error) {
	mr, ok := m.get(requestID)
	if !ok {
		return false, ErrNotFound
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	o, ok := mr.offers[driverID]
	if !ok {
		return false, ErrOfferNotFound
	}
	if o.State != from {
		return false, nil
	}
	o.State = to
	return true, nil
}

func (m *MemoryStore) AcceptOffer(ctx context.Context, requestID, driverID string, accepted models.RequestStatus, now time.Time) (AcceptOutcome, []string, error) {
	mr, ok := m.get(requestID)
	if !ok {
		return AcceptNotFound, nil, nil
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()

	o, ok := mr.offers[driverID]
	if !ok {
		return AcceptNotFound, nil, nil
	}
	// replayed accept from the winner is answered idempotently
	if o.State == models.OfferAccepted && mr.req.AssignedDriverID == driverID {
		return AcceptAssigned, nil, nil
	}
	if o.State == models.OfferExpired {
		return AcceptExpired, nil, nil
	}
	if o.State != models.OfferPending {
		return AcceptConflict, nil, nil
	}
	if o.ExpiredAt(now) {
		o.State = models.OfferExpired
		return AcceptExpired, nil, nil
	}
	if mr.req.AssignedDriverID != "" {
		o.State = models.OfferRejected
		return AcceptConflict, nil, nil
	}

	o.State = models.OfferAccepted
	mr.req.AssignedDriverID = driverID
	mr.req.Status = accepted
	mr.req.UpdatedAt = now

	var losers []string
	for id, sib := range mr.offers {
		if id == driverID || sib.State != models.OfferPending {
			continue
		}
		sib.State = models.OfferRejected
		losers = append(losers, id)
	}
	return AcceptAssigned, losers, nil
}

func (m *MemoryStore) ExpireOverdue(ctx context.Context, now time.Time) ([]models.Offer, error) {
	m.mu.RLock()
	reqs := make([]*memRequest, 0, len(m.reqs))
	for _, mr := range m.reqs {
		reqs = append(reqs, mr)
	}
	m.mu.RUnlock()

	var expired []models.Offer
	for _, mr := range reqs {
		mr.mu.Lock()
		for _, o := range mr.offers {
			if o.State == models.OfferPending && o.ExpiredAt(now) {
				o.State = models.OfferExpired
				expired = append(expired, *o)
			}
		}
		mr.mu.Unlock()
	}
	return expired, nil
}

func (m *MemoryStore) ExpirePendingForDriver(ctx context.Context, driverID string) (int, error) {
	m.mu.RLock()
	reqs := make([]*memRequest, 0, len(m.reqs))
	for _, mr := range m.reqs {
		reqs = append(reqs, mr)
	}
	m.mu.RUnlock()

	n := 0
	for _, mr := range reqs {
		mr.mu.Lock()
		if o, ok := mr.offers[driverID]; ok && o.State == models.OfferPending {
			o.State = models.OfferExpired
			n++
		}
		mr.mu.Unlock()
	}
	return n, nil
}

func (m *MemoryStore) ExpireActiveForRequest(ctx context.Context, requestID string) error {
	mr, ok := m.get(requestID)
	if !ok {
		return ErrNotFound
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	for _, o := range mr.offers {
		if o.State == models.OfferPending || o.State == models.OfferAccepted {
			o.State = models.OfferExpired
		}
	}
	return nil
}

func (m *MemoryStore) StalledRequests(ctx context.Context, now time.Time) ([]models.Request, error) {
	m.mu.RLock()
	reqs := make([]*memRequest, 0, len(m.reqs))
	for _, mr := range m.reqs {
		reqs = append(reqs, mr)
	}
	m.mu.RUnlock()

	var out []models.Request
	for _, mr := range reqs {
		mr.mu.Lock()
		stalled := mr.req.AssignedDriverID == "" &&
			(mr.req.Status == models.StatusPending || mr.req.Status == models.StatusDispatching)
		if stalled {
			for _, o := range mr.offers {
				if o.State == models.OfferPending && !o.ExpiredAt(now) {
					stalled = false
					break
				}
			}
		}
		if stalled {
			out = append(out, mr.req)
		}
		mr.mu.Unlock()
	}
	return out, nil
}
