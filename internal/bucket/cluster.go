package bucket

import (
	"math"
	"sort"

	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/pkg/money"
)

// Thresholds bound how far a price may sit from a cluster mean and still
// belong to it. Either condition is sufficient.
type Thresholds struct {
	Relative float64 // fraction of the mean, e.g. 0.175
	Absolute float64 // currency units, e.g. 5.00
}

// DefaultThresholds returns 17.5% relative or 5.00 absolute.
func DefaultThresholds() Thresholds {
	return Thresholds{Relative: 0.175, Absolute: 5.00}
}

// Within reports whether price is close enough to mean.
func (th Thresholds) Within(price, mean float64) bool {
	d := math.Abs(price - mean)
	if d <= th.Absolute+1e-9 {
		return true
	}
	return mean > 0 && d <= th.Relative*mean+1e-9
}

// BuildClusters runs the single-pass merge scan over the distinct prices
// in ascending order. Each price joins the current cluster if it is within
// thresholds of the cluster's running mean, otherwise it opens a new one.
// Non-positive prices are ignored.
func BuildClusters(prices []float64, th Thresholds) []domain.Cluster {
	distinct := distinctSorted(prices)
	if len(distinct) == 0 {
		return nil
	}

	var clusters []domain.Cluster
	var members []float64
	mean := 0.0
	flush := func() {
		clusters = append(clusters, domain.Cluster{
			BucketID:            len(clusters) + 1,
			RepresentativePrice: money.Mean(members),
			MemberPrices:        members,
		})
	}

	for _, p := range distinct {
		if len(members) > 0 && !th.Within(p, mean) {
			flush()
			members = nil
		}
		members = append(members, p)
		mean = money.Mean(members)
	}
	flush()
	return clusters
}

func distinctSorted(prices []float64) []float64 {
	seen := make(map[float64]bool, len(prices))
	out := make([]float64, 0, len(prices))
	for _, p := range prices {
		p = money.Round(p)
		if p <= 0 || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Float64s(out)
	return out
}

// Match finds the bucket id for price. The cluster that contains the price
// wins if the price is still within thresholds of its final mean; otherwise
// the nearest cluster within thresholds is used, ties going to the lower
// id. Returns 0 and false when no cluster qualifies.
func Match(clusters []domain.Cluster, price float64, th Thresholds) (int, bool) {
	price = money.Round(price)
	if price <= 0 {
		return 0, false
	}
	for _, c := range clusters {
		for _, m := range c.MemberPrices {
			if m == price && th.Within(price, c.RepresentativePrice) {
				return c.BucketID, true
			}
		}
	}

	best, bestDist := 0, math.Inf(1)
	for _, c := range clusters {
		if !th.Within(price, c.RepresentativePrice) {
			continue
		}
		d := math.Abs(price - c.RepresentativePrice)
		if d < bestDist {
			best, bestDist = c.BucketID, d
		}
	}
	return best, best != 0
}
