package evolution

import (
	"math"

	"github.com/scrypster/recall/internal/similarity"
)

// Quality scores a clustering as the mean, over assigned points, of
// (b - a) / max(a, b), where a is the cosine distance to the point's own
// centroid and b the distance to the nearest other centroid. labels[i] is
// the centroid index of points[i], or -1 when unassigned. The result is in
// [-1, 1] and is 0 with fewer than two centroids.
func Quality(points [][]float32, labels []int, centroids [][]float32) float64 {
	if len(centroids) < 2 {
		return 0
	}

	var sum float64
	n := 0
	for i, p := range points {
		own := labels[i]
		if own < 0 || own >= len(centroids) {
			continue
		}

		a := similarity.CosineDistance(p, centroids[own])
		b := math.Inf(1)
		for j, c := range centroids {
			if j == own {
				continue
			}
			if d := similarity.CosineDistance(p, c); d < b {
				b = d
			}
		}

		denom := math.Max(a, b)
		if denom > 0 {
			sum += (b - a) / denom
		}
		n++
	}

	if n == 0 {
		return 0
	}
	return math.Max(-1, math.Min(1, sum/float64(n)))
}
