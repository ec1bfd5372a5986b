package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BroadcastsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "broadcasts_total", Help: "Total request broadcasts (including re-broadcasts)"})
	RebroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "rebroadcasts_total", Help: "Total re-broadcasts after full offer expiry"})
	NoCandidatesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "no_candidates_total", Help: "Broadcasts that found zero eligible drivers"})

	OffersIssuedTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "offers_issued_total", Help: "Offers issued to candidate drivers"})
	OffersAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "offers_accepted_total", Help: "Offers that won an assignment"})
	OffersRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "offers_rejected_total", Help: "Offers rejected by the driver or by a sibling win"})
	OffersExpiredTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "offers_expired_total", Help: "Offers that hit their TTL unanswered"})

	AcceptConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "accept_conflicts_total", Help: "Accept calls that lost the assignment race"})
	AcceptExpiredTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "accept_expired_total", Help: "Accept calls that arrived after the offer TTL"})

	UnassignableTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "unassignable_total", Help: "Requests that exhausted their re-broadcast budget"})

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "kwenda_dispatch", Name: "drivers_online", Help: "Drivers currently considered live"})

	BroadcastLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kwenda_dispatch",
		Name:      "broadcast_latency_seconds",
		Help:      "Time from request dispatch to offers issued",
		Buckets:   prometheus.DefBuckets,
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kwenda_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
