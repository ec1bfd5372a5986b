package eligibility

import (
	"testing"
	"time"

	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func driver(id string, lat, lng float64, types ...models.ServiceType) models.DriverPresence {
	if len(types) == 0 {
		types = []models.ServiceType{models.ServiceTaxi}
	}
	return models.DriverPresence{
		DriverID:      id,
		Online:        true,
		Available:     true,
		Loc:           models.Coord{Lat: lat, Lng: lng},
		LastHeartbeat: now,
		VehicleClass:  models.ClassEconomy,
		ServiceTypes:  types,
	}
}

func taxiRequest() *models.Request {
	return &models.Request{ID: "r1", ServiceType: models.ServiceTaxi, Origin: models.Coord{Lat: 0, Lng: 0}}
}

func TestOrderingNearestFirst(t *testing.T) {
	drivers := []models.DriverPresence{
		driver("far", 0.02, 0),  // ~2.2km
		driver("near", 0.001, 0), // ~110m
		driver("mid", 0.01, 0),  // ~1.1km
	}
	got := FindCandidates(taxiRequest(), drivers, now, Params{RadiusMeters: 5000})
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	want := []string{"near", "mid", "far"}
	for i, w := range want {
		if got[i].DriverID != w {
			t.Fatalf("position %d: expected %s, got %s", i, w, got[i].DriverID)
		}
	}
}

func TestTiesBrokenByMostRecentHeartbeat(t *testing.T) {
	a := driver("stale", 0.001, 0)
	a.LastHeartbeat = now.Add(-30 * time.Second)
	b := driver("fresh", 0.001, 0)
	got := FindCandidates(taxiRequest(), []models.DriverPresence{a, b}, now, Params{RadiusMeters: 5000})
	if len(got) != 2 || got[0].DriverID != "fresh" {
		t.Fatalf("expected fresh first, got %+v", got)
	}
}

func TestFiltersOfflineUnavailableAndStale(t *testing.T) {
	off := driver("off", 0, 0)
	off.Online = false
	busy := driver("busy", 0, 0)
	busy.Available = false
	stale := driver("stale", 0, 0)
	stale.LastHeartbeat = now.Add(-5 * time.Minute)
	ok := driver("ok", 0, 0)

	got := FindCandidates(taxiRequest(), []models.DriverPresence{off, busy, stale, ok}, now,
		Params{RadiusMeters: 5000, LivenessWindow: 90 * time.Second})
	if len(got) != 1 || got[0].DriverID != "ok" {
		t.Fatalf("expected only ok, got %+v", got)
	}
}

func TestStaleDriverImplicitlyOfflineKeepsOnlineFlag(t *testing.T) {
	// liveness is an eligibility concern only; the presence row is untouched
	stale := driver("stale", 0, 0)
	stale.LastHeartbeat = now.Add(-5 * time.Minute)
	got := FindCandidates(taxiRequest(), []models.DriverPresence{stale}, now,
		Params{RadiusMeters: 5000, LivenessWindow: 90 * time.Second})
	if len(got) != 0 {
		t.Fatalf("stale driver must not be eligible, got %+v", got)
	}
	if !stale.Online {
		t.Fatal("liveness filtering must not mutate the online flag")
	}
}

func TestServiceTypeAndRadiusFilters(t *testing.T) {
	courier := driver("courier", 0, 0, models.ServiceDelivery)
	outOfRange := driver("away", 1, 1) // ~157km
	cab := driver("cab", 0.001, 0)
	got := FindCandidates(taxiRequest(), []models.DriverPresence{courier, outOfRange, cab}, now, Params{RadiusMeters: 5000})
	if len(got) != 1 || got[0].DriverID != "cab" {
		t.Fatalf("expected only cab, got %+v", got)
	}
}

func TestVehicleClassOnlyConstrainsTaxi(t *testing.T) {
	d := driver("d1", 0, 0, models.ServiceTaxi, models.ServiceDelivery)
	d.VehicleClass = models.ClassEconomy

	req := taxiRequest()
	req.RequiredClass = models.ClassXL
	if got := FindCandidates(req, []models.DriverPresence{d}, now, Params{RadiusMeters: 5000}); len(got) != 0 {
		t.Fatalf("economy driver must not serve an xl taxi request, got %+v", got)
	}

	del := &models.Request{ID: "r2", ServiceType: models.ServiceDelivery, Origin: models.Coord{}, RequiredClass: models.ClassXL}
	if got := FindCandidates(del, []models.DriverPresence{d}, now, Params{RadiusMeters: 5000}); len(got) != 1 {
		t.Fatalf("class must not constrain delivery, got %+v", got)
	}
}

func TestLimitCapsCandidates(t *testing.T) {
	drivers := []models.DriverPresence{
		driver("a", 0.003, 0),
		driver("b", 0.001, 0),
		driver("c", 0.002, 0),
	}
	got := FindCandidates(taxiRequest(), drivers, now, Params{RadiusMeters: 5000, Limit: 2})
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].DriverID != "b" || got[1].DriverID != "c" {
		t.Fatalf("limit must keep the nearest, got %+v", got)
	}
}
