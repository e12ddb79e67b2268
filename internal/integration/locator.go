package integration

import (
	"math"
	"sort"
)

const earthRadiusKM = 6371.0

// Monument is one entry of the static catalog.
type Monument struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

type NearbyMonument struct {
	Monument
	DistanceKM float64 `json:"distance_km"`
}

// Locator finds monuments near a coordinate.
type Locator interface {
	Nearby(lat, lon float64) []NearbyMonument
}

// CatalogLocator searches a fixed list of monuments.
type CatalogLocator struct {
	monuments []Monument
	radiusKM  float64
}

// NewCatalogLocator returns a locator over monuments. radiusKM <= 0 means 2 km.
func NewCatalogLocator(monuments []Monument, radiusKM float64) *CatalogLocator {
	if radiusKM <= 0 {
		radiusKM = 2
	}
	cp := make([]Monument, len(monuments))
	copy(cp, monuments)
	return &CatalogLocator{monuments: cp, radiusKM: radiusKM}
}

func (l *CatalogLocator) Len() int { return len(l.monuments) }

// Nearby returns the monuments within the radius, nearest first.
func (l *CatalogLocator) Nearby(lat, lon float64) []NearbyMonument {
	var out []NearbyMonument
	for _, m := range l.monuments {
		d := Haversine(lat, lon, m.Lat, m.Lon)
		if d <= l.radiusKM {
			out = append(out, NearbyMonument{Monument: m, DistanceKM: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKM < out[j].DistanceKM })
	return out
}

// Haversine is the great-circle distance in kilometres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Min(1, math.Sqrt(a)))
}
