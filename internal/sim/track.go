package sim

import (
	"math"
	"math/rand"
	"time"

	"github.com/fleet-relay/dlr/internal/eventlog"
	"github.com/fleet-relay/dlr/internal/relay"
)

const metersPerDegree = 111_320.0

// Walker moves one driver along a random track.
type Walker struct {
	DriverID  string
	latitude  float64
	longitude float64
	heading   float64
	step      float64
	rng       *rand.Rand
}

// NewWalker starts a track at origin.
func NewWalker(driverID string, origin Origin, stepMeters float64, seed int64) *Walker {
	rng := rand.New(rand.NewSource(seed))
	return &Walker{
		DriverID:  driverID,
		latitude:  origin.Latitude,
		longitude: origin.Longitude,
		heading:   rng.Float64() * 2 * math.Pi,
		step:      stepMeters,
		rng:       rng,
	}
}

// Position returns the current coordinates.
func (w *Walker) Position() (lat, lng float64) {
	return w.latitude, w.longitude
}

// Step advances the track and returns the ingest request for the new
// position.
func (w *Walker) Step(now time.Time) relay.IngestRequest {
	// Drift the heading a little each step.
	w.heading += (w.rng.Float64() - 0.5) * math.Pi / 4

	dLat := w.step * math.Cos(w.heading) / metersPerDegree
	cosLat := math.Cos(w.latitude * math.Pi / 180)
	dLng := 0.0
	if cosLat > 1e-6 {
		dLng = w.step * math.Sin(w.heading) / (metersPerDegree * cosLat)
	}

	w.latitude = clamp(w.latitude+dLat, -90, 90)
	w.longitude = wrapLongitude(w.longitude + dLng)

	ts := now.UTC().Format(time.RFC3339Nano)
	return relay.IngestRequest{
		Event: eventlog.Kind{Name: "location", Time: ts},
		Data: &relay.LocationData{
			Driver:    w.DriverID,
			Latitude:  w.latitude,
			Longitude: w.longitude,
			Timestamp: ts,
		},
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func wrapLongitude(lng float64) float64 {
	for lng > 180 {
		lng -= 360
	}
	for lng < -180 {
		lng += 360
	}
	return lng
}
