package expand

import "github.com/epcalc/epcalc/kernel"

// Cost bounds. Grossly oversized requests never reach the calculator:
// the expander's max-points check refuses them first.
const (
	MinCost = 1
	MaxCost = 1_000_000_000
)

// highOrderMetrics cost roughly an extra kernel pass each.
var highOrderMetrics = map[string]bool{
	string(kernel.MetricMutualInformation): true,
	string(kernel.MetricCriticalRate):      true,
}

// Cost estimates the compute cost of a request for admission and
// metering. It is an estimate, not a bill: number of expanded points
// times per-point complexity (quadratic in constellation size) times a
// modest factor for high-order metrics.
func Cost(r *Request) (int64, error) {
	points, err := r.CountPoints()
	if err != nil {
		return 0, err
	}

	// Per-point complexity tracks the largest constellation the request
	// can touch.
	order := 2
	if r.Custom() {
		order = len(r.Constellation)
	} else if r.M != nil {
		switch r.M.Kind {
		case KindScalar:
			order = int(r.M.Value)
		case KindList:
			for _, v := range r.M.Values {
				if int(v) > order {
					order = int(v)
				}
			}
		default:
			order = int(r.M.Max)
		}
	}
	if order < 2 {
		order = 2
	}

	factor := int64(1)
	for _, m := range r.Metrics {
		if highOrderMetrics[m] {
			factor = 2
			break
		}
	}

	cost := int64(points) * int64(order) * int64(order) * factor
	if cost < MinCost {
		cost = MinCost
	}
	if cost > MaxCost {
		cost = MaxCost
	}
	return cost, nil
}
