package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Kwendataxi/kwenda-dispatch/internal/assign"
	"github.com/Kwendataxi/kwenda-dispatch/internal/broadcast"
	"github.com/Kwendataxi/kwenda-dispatch/internal/lifecycle"
	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
	"github.com/Kwendataxi/kwenda-dispatch/internal/presence"
	"github.com/Kwendataxi/kwenda-dispatch/internal/store"
)

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb presence.HeartbeatUpdate
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, "bad_payload", err.Error())
		return
	}
	if s.Kafka != nil {
		// best-effort; the registry write below is authoritative
		if err := s.Kafka.PublishHeartbeat(hb); err != nil {
			s.logger.Warn("heartbeat publish failed", "driver_id", hb.DriverID, "error", err)
		}
	}
	if err := s.Presence.Heartbeat(r.Context(), hb); err != nil {
		if errors.Is(err, presence.ErrBadCoordinate) || errors.Is(err, presence.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "bad_heartbeat", err.Error())
			return
		}
		// transient storage failure: the driver is not assumed offline,
		// the client retries with backoff
		writeError(w, http.StatusServiceUnavailable, "presence_write_failure", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var body struct {
		Available bool `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_payload", err.Error())
		return
	}
	if !body.Available {
		// going unavailable invalidates outstanding pending offers
		if err := s.Resolver.DriverOffline(r.Context(), driverID); err != nil {
			writeError(w, http.StatusServiceUnavailable, "offer_invalidation_failed", err.Error())
			return
		}
	}
	if err := s.Presence.SetAvailability(r.Context(), driverID, body.Available); err != nil {
		if errors.Is(err, presence.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown_driver", err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, "presence_write_failure", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createRequestPayload struct {
	ServiceType    models.ServiceType  `json:"service_type"`
	Origin         models.Coord        `json:"origin"`
	Destination    models.Coord        `json:"destination"`
	EstimatedPrice int64               `json:"estimated_price"`
	Urgency        models.Urgency      `json:"urgency"`
	RequiredClass  models.VehicleClass `json:"required_class,omitempty"`
	PaymentRef     string              `json:"payment_ref,omitempty"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var p createRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "bad_payload", err.Error())
		return
	}
	if !p.ServiceType.Valid() {
		writeError(w, http.StatusBadRequest, "bad_service_type", string(p.ServiceType))
		return
	}
	if !p.Origin.Finite() || !p.Destination.Finite() {
		writeError(w, http.StatusBadRequest, "bad_coordinates", "origin and destination must be finite")
		return
	}

	now := time.Now()
	req := &models.Request{
		ID:             newID(),
		ServiceType:    p.ServiceType,
		Origin:         p.Origin,
		Destination:    p.Destination,
		EstimatedPrice: p.EstimatedPrice,
		Urgency:        p.Urgency,
		RequiredClass:  p.RequiredClass,
		PaymentRef:     p.PaymentRef,
		Status:         models.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Store.CreateRequest(r.Context(), req); err != nil {
		writeError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}

	err := s.Broadcaster.Dispatch(r.Context(), req)
	switch {
	case errors.Is(err, broadcast.ErrNoEligibleDrivers):
		writeJSON(w, http.StatusAccepted, map[string]any{
			"request_id": req.ID,
			"status":     models.StatusPending,
			"detail":     "no drivers available, retrying",
		})
		return
	case errors.Is(err, broadcast.ErrAwaitingApproval):
		writeJSON(w, http.StatusAccepted, map[string]any{
			"request_id": req.ID,
			"status":     models.StatusPending,
			"detail":     "awaiting buyer fee approval",
		})
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "dispatch_failure", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"request_id": req.ID,
		"status":     models.StatusDispatching,
	})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Store.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown request")
			return
		}
		writeError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type driverActionPayload struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	var p driverActionPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.DriverID == "" {
		writeError(w, http.StatusBadRequest, "bad_payload", "driver_id is required")
		return
	}
	err := s.Resolver.Accept(r.Context(), requestID, p.DriverID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"result": "assigned", "request_id": requestID, "driver_id": p.DriverID})
	case errors.Is(err, assign.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "offer no longer available")
	case errors.Is(err, assign.ErrExpired):
		writeError(w, http.StatusGone, "expired", "offer expired")
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrOfferNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such offer")
	default:
		writeError(w, http.StatusInternalServerError, "accept_failure", err.Error())
	}
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	var p driverActionPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.DriverID == "" {
		writeError(w, http.StatusBadRequest, "bad_payload", "driver_id is required")
		return
	}
	if err := s.Resolver.Reject(r.Context(), requestID, p.DriverID); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrOfferNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such offer")
			return
		}
		writeError(w, http.StatusInternalServerError, "reject_failure", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	var p struct {
		TargetState models.RequestStatus `json:"target_state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.TargetState == "" {
		writeError(w, http.StatusBadRequest, "bad_payload", "target_state is required")
		return
	}
	err := s.Machine.Advance(r.Context(), requestID, p.TargetState)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"result": "advanced", "request_id": requestID, "state": p.TargetState})
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", "target state is not adjacent")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown request")
	default:
		writeError(w, http.StatusInternalServerError, "advance_failure", err.Error())
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	var p struct {
		Actor   string `json:"actor"`
		Requeue bool   `json:"requeue"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "bad_payload", err.Error())
		return
	}
	err := s.Machine.Cancel(r.Context(), requestID, lifecycle.CancelOptions{Actor: p.Actor, Requeue: p.Requeue})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"result": "cancelled", "request_id": requestID})
	case errors.Is(err, lifecycle.ErrNotCancellable):
		writeError(w, http.StatusConflict, "not_cancellable", "request is past its cancellable states")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown request")
	default:
		writeError(w, http.StatusInternalServerError, "cancel_failure", err.Error())
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "upgrade_failed", err.Error())
		return
	}
	s.WSReg.Add(driverID, conn)

	// drain inbound frames so close/error prunes the session; the feed
	// is push-only, anything the client sends is discarded
	go func() {
		defer func() {
			s.WSReg.Remove(driverID)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
