package finemap

import (
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gwas/sumstats"
)

// abfPosteriors computes Wakefield-style approximate Bayes factors under a
// single-causal-variant assumption and normalizes them to posterior
// probabilities. varPrior is the prior standard deviation W of the true
// effect size. Rows in table are keyed by SNPID in the returned map.
func abfPosteriors(table sumstats.Table, varPrior float64, maxCausal int) (map[string]float64, error) {
	if maxCausal > 1 {
		return nil, errors.New("abf supports one causal variant only; lower the causal count or use an LD-aware method")
	}
	if varPrior <= 0 {
		return nil, errors.New("abf variant prior must be positive")
	}
	w2 := varPrior * varPrior
	bf := make([]float64, len(table))
	var sum float64
	for i, v := range table {
		se2 := v.SE * v.SE
		b2 := v.Beta * v.Beta
		bf[i] = math.Sqrt(se2/(se2+w2)) * math.Exp(w2/(b2+w2)*(b2/se2)/2)
		sum += bf[i]
	}
	pp := make(map[string]float64, len(table))
	for i, v := range table {
		pp[v.SNPID] = bf[i] / sum
	}
	return pp, nil
}
