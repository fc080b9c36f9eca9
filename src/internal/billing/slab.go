package billing

// Revenue-share slabs. A pair (client, advisor) unlocks higher advisor shares
// as its cumulative billed seconds within a calendar month grow. Slabs never
// regress within a month.
const (
	SlabMin = 1
	SlabMax = 4
)

// slabRates maps slab index to the advisor's share of the per-minute price.
var slabRates = map[int]float64{
	1: 0.30,
	2: 0.35,
	3: 0.40,
	4: 0.50,
}

// SlabForSeconds returns the slab index unlocked by a pair's cumulative billed
// seconds in the current month.
func SlabForSeconds(seconds int64) int {
	switch {
	case seconds <= 300:
		return 1
	case seconds <= 600:
		return 2
	case seconds <= 900:
		return 3
	default:
		return 4
	}
}

// AdvisorShareRate returns the advisor revenue share for a slab. Unknown slab
// indexes fall back to the lowest share rather than failing a charge.
func AdvisorShareRate(slab int) float64 {
	if rate, ok := slabRates[slab]; ok {
		return rate
	}
	return slabRates[SlabMin]
}
