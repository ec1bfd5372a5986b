package eligibility

import (
	"sort"
	"time"

	"github.com/Kwendataxi/kwenda-dispatch/internal/geo"
	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
)

// Params bound the candidate search.
type Params struct {
	RadiusMeters   float64
	LivenessWindow time.Duration
	Limit          int // 0 means no cap
}

// Candidate is one eligible driver with its distance to the request origin.
type Candidate struct {
	DriverID       string
	DistanceMeters float64
	LastHeartbeat  time.Time
}

// FindCandidates selects, from a presence snapshot, the drivers eligible for
// the request: online, available, live within the liveness window, serving
// the request's service type, vehicle class compatible (taxi only) and within
// the radius. Ordering is nearest-first with ties broken by the most recent
// heartbeat; it determines notification priority, never exclusivity.
func FindCandidates(req *models.Request, drivers []models.DriverPresence, now time.Time, p Params) []Candidate {
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if !d.Online || !d.Available {
			continue
		}
		if p.LivenessWindow > 0 && now.Sub(d.LastHeartbeat) > p.LivenessWindow {
			// stale heartbeat: implicitly offline for eligibility only
			continue
		}
		if !d.Serves(req.ServiceType) {
			continue
		}
		if req.ServiceType == models.ServiceTaxi && !classCompatible(req.RequiredClass, d.VehicleClass) {
			continue
		}
		dist := geo.Haversine(req.Origin, d.Loc)
		if p.RadiusMeters > 0 && dist > p.RadiusMeters {
			continue
		}
		out = append(out, Candidate{DriverID: d.DriverID, DistanceMeters: dist, LastHeartbeat: d.LastHeartbeat})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].LastHeartbeat.After(out[j].LastHeartbeat)
	})
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out
}

func classCompatible(required, actual models.VehicleClass) bool {
	if required == models.ClassAny {
		return true
	}
	return required == actual
}
