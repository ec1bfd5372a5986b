package geo

import (
	"testing"

	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(models.Coord{}, models.Coord{})
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude is about 111.2 km
	a := models.Coord{Lat: 0, Lng: 0}
	b := models.Coord{Lat: 1, Lng: 0}
	d := Haversine(a, b)
	if d < 110_000 || d > 112_500 {
		t.Fatalf("expected ~111km, got %f", d)
	}
}
