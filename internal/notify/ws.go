package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// WSSession is one connected driver socket.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// WSRegistry delivers driver-directed events over live websocket sessions.
// Events without a driver target are skipped here; the push backend carries
// them to the gateway.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

func (r *WSRegistry) sendTo(driverID string, ev Event) error {
	if driverID == "" {
		return nil
	}
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(ev)
}

func (r *WSRegistry) OfferIssued(ctx context.Context, requestID, driverID string, ttl time.Duration) error {
	return r.sendTo(driverID, Event{Kind: KindOfferIssued, RequestID: requestID, DriverID: driverID, TTLMillis: ttl.Milliseconds()})
}

func (r *WSRegistry) OfferWon(ctx context.Context, requestID, driverID string) error {
	return r.sendTo(driverID, Event{Kind: KindOfferWon, RequestID: requestID, DriverID: driverID})
}

func (r *WSRegistry) OfferLost(ctx context.Context, requestID, driverID, reason string) error {
	return r.sendTo(driverID, Event{Kind: KindOfferLost, RequestID: requestID, DriverID: driverID, Reason: reason})
}

func (r *WSRegistry) OrderStateChanged(ctx context.Context, requestID, driverID string, oldState, newState models.RequestStatus) error {
	return r.sendTo(driverID, Event{Kind: KindOrderStateChanged, RequestID: requestID, DriverID: driverID, OldState: oldState, NewState: newState})
}
