package geo

import (
	"math"
	"sort"

	"github.com/immerspwada/deliber-sub005/internal/models"
)

// DistanceKm returns the great-circle distance between two coordinates in
// kilometers on a spherical-Earth approximation.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKm = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// CategoryRadiusKm is the visibility radius for a provider's job pool.
// Shopping runs are store-bound so the radius is tighter.
func CategoryRadiusKm(c models.ServiceCategory) float64 {
	if c == models.CategoryShopping {
		return 5.0
	}
	return 10.0
}

// RankByDistance stamps each job's DistanceKm from origin, drops jobs beyond
// their category radius, and returns the survivors sorted nearest first.
func RankByDistance(jobs []models.Job, origin models.Coord) []models.Job {
	out := make([]models.Job, 0, len(jobs))
	for _, j := range jobs {
		j.DistanceKm = DistanceKm(origin.Lat, origin.Lng, j.Pickup.Lat, j.Pickup.Lng)
		if j.DistanceKm > CategoryRadiusKm(j.Category) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].DistanceKm < out[k].DistanceKm })
	return out
}
