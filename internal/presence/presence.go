package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
)

var (
	ErrBadCoordinate = errors.New("location is not a finite coordinate pair")
	ErrNotFound      = errors.New("driver presence not found")
)

// HeartbeatUpdate is the payload of a single driver heartbeat. VehicleClass
// and ServiceTypes are optional; when omitted the previous values stick.
type HeartbeatUpdate struct {
	DriverID     string               `json:"driver_id"`
	Online       bool                 `json:"online"`
	Available    bool                 `json:"available"`
	Loc          models.Coord         `json:"loc"`
	VehicleClass models.VehicleClass  `json:"vehicle_class,omitempty"`
	ServiceTypes []models.ServiceType `json:"service_types,omitempty"`
}

// Registry is the live view of driver presence consumed by eligibility.
type Registry interface {
	Heartbeat(ctx context.Context, hb HeartbeatUpdate) error
	SetAvailability(ctx context.Context, driverID string, available bool) error
	Get(ctx context.Context, driverID string) (models.DriverPresence, error)
	Snapshot(ctx context.Context) ([]models.DriverPresence, error)
}

// Index is the in-memory registry used when Redis is not configured.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPresence
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverPresence), now: time.Now}
}

func (g *Index) Heartbeat(ctx context.Context, hb HeartbeatUpdate) error {
	if hb.DriverID == "" {
		return ErrNotFound
	}
	if !hb.Loc.Finite() {
		return ErrBadCoordinate
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.drivers[hb.DriverID]
	next := models.DriverPresence{
		DriverID:      hb.DriverID,
		Online:        hb.Online,
		Available:     hb.Available,
		Loc:           hb.Loc,
		LastHeartbeat: g.now(),
		VehicleClass:  hb.VehicleClass,
		ServiceTypes:  hb.ServiceTypes,
	}
	if next.VehicleClass == models.ClassAny {
		next.VehicleClass = prev.VehicleClass
	}
	if next.ServiceTypes == nil {
		next.ServiceTypes = prev.ServiceTypes
	}
	g.drivers[hb.DriverID] = next
	return nil
}

func (g *Index) SetAvailability(ctx context.Context, driverID string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return ErrNotFound
	}
	d.Available = available
	g.drivers[driverID] = d
	return nil
}

func (g *Index) Get(ctx context.Context, driverID string) (models.DriverPresence, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return models.DriverPresence{}, ErrNotFound
	}
	return d, nil
}

func (g *Index) Snapshot(ctx context.Context) ([]models.DriverPresence, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.DriverPresence, 0, len(g.drivers))
	for _, d := range g.drivers {
		out = append(out, d)
	}
	return out, nil
}
