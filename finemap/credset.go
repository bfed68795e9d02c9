package finemap

import (
	"math"
	"sort"
)

// credibleSet sorts descending by the chosen method's posterior probability
// and keeps each row while the cumulative probability of the rows before it
// stays at or below the threshold. The boundary row that first pushes the
// preceding mass over the threshold is excluded; rows with a missing
// posterior sort last and never qualify.
func credibleSet(results []Result, method Method, threshold float64) []Result {
	sorted := append([]Result(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := sorted[i].PP[method], sorted[j].PP[method]
		if math.IsNaN(pj) {
			return !math.IsNaN(pi)
		}
		if math.IsNaN(pi) {
			return false
		}
		return pi > pj
	})
	var kept []Result
	sum := 0.0
	for _, r := range sorted {
		if sum > threshold {
			break
		}
		pp := r.PP[method]
		if math.IsNaN(pp) {
			break
		}
		kept = append(kept, r)
		sum += pp
	}
	return kept
}
