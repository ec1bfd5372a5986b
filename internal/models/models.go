package models

import (
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Finite reports whether the coordinate is a usable point on the map.
func (c Coord) Finite() bool {
	return !math.IsNaN(c.Lat) && !math.IsInf(c.Lat, 0) &&
		!math.IsNaN(c.Lng) && !math.IsInf(c.Lng, 0) &&
		c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type ServiceType string

const (
	ServiceTaxi        ServiceType = "taxi"
	ServiceDelivery    ServiceType = "delivery"
	ServiceMarketplace ServiceType = "marketplace_delivery"
)

func (s ServiceType) Valid() bool {
	switch s {
	case ServiceTaxi, ServiceDelivery, ServiceMarketplace:
		return true
	}
	return false
}

type VehicleClass string

const (
	ClassAny     VehicleClass = ""
	ClassEconomy VehicleClass = "economy"
	ClassComfort VehicleClass = "comfort"
	ClassXL      VehicleClass = "xl"
	ClassMoto    VehicleClass = "moto"
)

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// DriverPresence is the single per-driver row the registry maintains.
type DriverPresence struct {
	DriverID      string        `json:"driver_id"`
	Online        bool          `json:"online"`
	Available     bool          `json:"available"`
	Loc           Coord         `json:"loc"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	VehicleClass  VehicleClass  `json:"vehicle_class"`
	ServiceTypes  []ServiceType `json:"service_types"`
}

func (p DriverPresence) Serves(t ServiceType) bool {
	for _, s := range p.ServiceTypes {
		if s == t {
			return true
		}
	}
	return false
}

type RequestStatus string

const (
	// shared acceptance phase
	StatusPending     RequestStatus = "pending"
	StatusDispatching RequestStatus = "dispatching"

	// taxi
	StatusAccepted      RequestStatus = "accepted"
	StatusDriverArrived RequestStatus = "driver_arrived"
	StatusInProgress    RequestStatus = "in_progress"
	StatusCompleted     RequestStatus = "completed"

	// delivery
	StatusConfirmed RequestStatus = "confirmed"
	StatusPickedUp  RequestStatus = "picked_up"
	StatusInTransit RequestStatus = "in_transit"
	StatusDelivered RequestStatus = "delivered"

	// marketplace delivery enters here directly on accept
	StatusAssigned RequestStatus = "assigned"

	StatusCancelled    RequestStatus = "cancelled"
	StatusUnassignable RequestStatus = "unassignable"
)

func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDelivered, StatusCancelled, StatusUnassignable:
		return true
	}
	return false
}

// Request is one incoming service need. EstimatedPrice is opaque to the
// dispatcher; it is computed upstream and only carried through.
type Request struct {
	ID               string        `json:"id"`
	ServiceType      ServiceType   `json:"service_type"`
	Origin           Coord         `json:"origin"`
	Destination      Coord         `json:"destination"`
	EstimatedPrice   int64         `json:"estimated_price"`
	Urgency          Urgency       `json:"urgency"`
	RequiredClass    VehicleClass  `json:"required_class,omitempty"`
	Status           RequestStatus `json:"status"`
	AssignedDriverID string        `json:"assigned_driver_id,omitempty"`
	PaymentRef       string        `json:"payment_ref,omitempty"`
	Rebroadcasts     int           `json:"rebroadcasts"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

type OfferState string

const (
	OfferPending  OfferState = "pending"
	OfferAccepted OfferState = "accepted"
	OfferRejected OfferState = "rejected"
	OfferExpired  OfferState = "expired"
)

// Offer is a time-bounded proposal of one request to one candidate driver.
type Offer struct {
	RequestID string        `json:"request_id"`
	DriverID  string        `json:"driver_id"`
	State     OfferState    `json:"state"`
	IssuedAt  time.Time     `json:"issued_at"`
	TTL       time.Duration `json:"ttl"`
}

func (o Offer) Deadline() time.Time { return o.IssuedAt.Add(o.TTL) }

func (o Offer) ExpiredAt(now time.Time) bool { return now.After(o.Deadline()) }
