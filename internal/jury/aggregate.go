package jury

import (
	"math"
	"sort"

	"github.com/verdikta/arbiter/internal/model"
)

// aggregate folds the settled slots into one vector. Failed slots are
// excluded from the math but counted against the quorum: fewer than
// ceil(n*minPct) survivors fails the whole deliberation with per-slot
// detail. Survivors combine as a weighted mean over the surviving
// weight, floored, with the rounding deficit spread one unit at a time
// over the components with the largest fractional parts.
func aggregate(settled []slotResult, k int, minPct float64) ([]int64, error) {
	var failures []model.SlotFailure
	var survivors []slotResult
	for _, r := range settled {
		if r.failed {
			failures = append(failures, model.SlotFailure{
				Slot:     r.index,
				Provider: r.slot.Provider,
				Model:    r.slot.Model,
				Reason:   r.failureReason,
			})
			continue
		}
		survivors = append(survivors, r)
	}

	required := int(math.Ceil(float64(len(settled)) * minPct))
	if required < 1 {
		required = 1
	}
	if len(survivors) < required {
		return nil, model.E(model.KindInsufficientModels,
			"%d of %d jury slots failed, need %d successes",
			len(failures), len(settled), required).
			WithDetail(map[string]any{"failures": failures})
	}

	var totalWeight float64
	for _, r := range survivors {
		totalWeight += r.slot.Weight
	}

	sums := make([]float64, k)
	for _, r := range survivors {
		for i, v := range r.vector {
			sums[i] += float64(v) * r.slot.Weight
		}
	}

	out := make([]int64, k)
	fracs := make([]float64, k)
	var floorSum int64
	for i := range sums {
		exact := sums[i] / totalWeight
		fl := math.Floor(exact)
		out[i] = int64(fl)
		fracs[i] = exact - fl
		floorSum += out[i]
	}

	deficit := model.ScoreScale - floorSum
	if deficit > 0 {
		order := make([]int, k)
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return fracs[order[a]] > fracs[order[b]]
		})
		for u := int64(0); u < deficit; u++ {
			out[order[int(u)%k]]++
		}
	}
	return out, nil
}
