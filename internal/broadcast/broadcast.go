// Package broadcast fans a pending request out to its eligible drivers and
// owns the server-side TTL clock: offers expire on the sweeper's schedule,
// never on a client timer.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Kwendataxi/kwenda-dispatch/internal/config"
	"github.com/Kwendataxi/kwenda-dispatch/internal/eligibility"
	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
	"github.com/Kwendataxi/kwenda-dispatch/internal/notify"
	"github.com/Kwendataxi/kwenda-dispatch/internal/observability"
	"github.com/Kwendataxi/kwenda-dispatch/internal/payments"
	"github.com/Kwendataxi/kwenda-dispatch/internal/presence"
	"github.com/Kwendataxi/kwenda-dispatch/internal/store"
)

var (
	ErrNoEligibleDrivers = errors.New("no eligible drivers found")
	ErrAwaitingApproval  = errors.New("marketplace delivery awaiting buyer fee approval")
)

type Broadcaster struct {
	Presence presence.Registry
	Store    store.DispatchStore
	Notify   notify.Notifier
	Gate     payments.ApprovalGate
	Cfg      config.DispatchConfig
	Logger   *slog.Logger
	Now      func() time.Time
}

func (b *Broadcaster) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Broadcaster) ttlFor(st models.ServiceType) time.Duration {
	if st == models.ServiceTaxi {
		return b.Cfg.TaxiOfferTTL
	}
	return b.Cfg.CourierOfferTTL
}

// Dispatch computes the eligible candidates for the request and issues one
// pending offer per candidate. Work is bounded per request; a burst of
// requests shares no lock beyond the presence snapshot read.
func (b *Broadcaster) Dispatch(ctx context.Context, req *models.Request) error {
	start := b.now()

	if req.ServiceType == models.ServiceMarketplace {
		ok, err := b.Gate.Approved(ctx, req.PaymentRef)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAwaitingApproval
		}
	}

	snapshot, err := b.Presence.Snapshot(ctx)
	if err != nil {
		return err
	}
	cands := eligibility.FindCandidates(req, snapshot, start, eligibility.Params{
		RadiusMeters:   b.Cfg.RadiusMeters,
		LivenessWindow: b.Cfg.LivenessWindow,
		Limit:          b.Cfg.CandidateLimit,
	})
	if len(cands) == 0 {
		observability.NoCandidatesTotal.Inc()
		b.Logger.Info("no eligible drivers", "request_id", req.ID, "service_type", req.ServiceType)
		return ErrNoEligibleDrivers
	}

	ttl := b.ttlFor(req.ServiceType)
	offers := make([]models.Offer, 0, len(cands))
	for _, c := range cands {
		offers = append(offers, models.Offer{
			RequestID: req.ID,
			DriverID:  c.DriverID,
			State:     models.OfferPending,
			IssuedAt:  start,
			TTL:       ttl,
		})
	}
	if err := b.Store.CreateOffers(ctx, offers); err != nil {
		return err
	}
	if req.Status == models.StatusPending {
		if _, err := b.Store.UpdateRequestStatus(ctx, req.ID, models.StatusPending, models.StatusDispatching); err != nil {
			return err
		}
	}

	// candidate order sets notification priority, never exclusivity
	for _, o := range offers {
		observability.OffersIssuedTotal.Inc()
		_ = b.Notify.OfferIssued(ctx, o.RequestID, o.DriverID, o.TTL)
	}

	observability.BroadcastsTotal.Inc()
	observability.BroadcastLatency.Observe(time.Since(start).Seconds())
	b.Logger.Info("request broadcast",
		"request_id", req.ID, "service_type", req.ServiceType,
		"offers", len(offers), "ttl", ttl)
	return nil
}

// Sweep is one pass of the server-owned expiry clock: overdue pending offers
// become expired, and requests whose offers are all dead are either
// re-broadcast or given up as unassignable.
func (b *Broadcaster) Sweep(ctx context.Context) {
	now := b.now()

	expired, err := b.Store.ExpireOverdue(ctx, now)
	if err != nil {
		b.Logger.Error("expiry sweep failed", "error", err)
		return
	}
	for _, o := range expired {
		observability.OffersExpiredTotal.Inc()
		_ = b.Notify.OfferLost(ctx, o.RequestID, o.DriverID, notify.ReasonExpired)
	}

	stalled, err := b.Store.StalledRequests(ctx, now)
	if err != nil {
		b.Logger.Error("stalled request scan failed", "error", err)
		return
	}
	for i := range stalled {
		b.retryOrGiveUp(ctx, &stalled[i])
	}
}

func (b *Broadcaster) retryOrGiveUp(ctx context.Context, req *models.Request) {
	if req.Rebroadcasts >= b.Cfg.MaxRebroadcasts {
		ok, err := b.Store.UpdateRequestStatus(ctx, req.ID, req.Status, models.StatusUnassignable)
		if err != nil || !ok {
			return
		}
		observability.UnassignableTotal.Inc()
		_ = b.Notify.OrderStateChanged(ctx, req.ID, "", req.Status, models.StatusUnassignable)
		b.Logger.Warn("request unassignable",
			"request_id", req.ID, "rebroadcasts", req.Rebroadcasts)
		return
	}

	err := b.Dispatch(ctx, req)
	switch {
	case errors.Is(err, ErrAwaitingApproval):
		// a closed fee gate is the buyer's clock, not ours: wait for the
		// next sweep without spending the retry budget
		return
	case err != nil && !errors.Is(err, ErrNoEligibleDrivers):
		b.Logger.Error("rebroadcast failed", "request_id", req.ID, "error", err)
		return
	}

	n, err := b.Store.BumpRebroadcast(ctx, req.ID)
	if err != nil {
		b.Logger.Error("rebroadcast bump failed", "request_id", req.ID, "error", err)
		return
	}
	req.Rebroadcasts = n
	observability.RebroadcastsTotal.Inc()
}

// RunSweeper drives Sweep on the configured interval until ctx is done.
// It also refreshes the drivers-online gauge from the presence snapshot.
func (b *Broadcaster) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(b.Cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep(ctx)
			b.refreshOnlineGauge(ctx)
		}
	}
}

func (b *Broadcaster) refreshOnlineGauge(ctx context.Context) {
	snapshot, err := b.Presence.Snapshot(ctx)
	if err != nil {
		return
	}
	now := b.now()
	online := 0
	for _, d := range snapshot {
		if d.Online && now.Sub(d.LastHeartbeat) <= b.Cfg.LivenessWindow {
			online++
		}
	}
	observability.DriversOnline.Set(float64(online))
}
