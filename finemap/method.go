// Package finemap orchestrates per-locus fine-mapping: it prepares method
// inputs from a locus's variants, dispatches to one or more causal-inference
// methods, merges their posterior probabilities back onto the variant table,
// and derives credible sets. The external statistical tools are reached
// through the ldref adapter and never invoked directly.
package finemap

import (
	"github.com/grailbio/base/errors"
)

// Method identifies one causal-inference method.
type Method int

const (
	// NoMethod is the absent-value sentinel for optional method fields.
	NoMethod Method = iota - 1
	// ABF is the closed-form approximate Bayes factor (LD-free,
	// single causal variant).
	ABF
	// FINEMAP is the shotgun stochastic search tool.
	FINEMAP
	// PAINTOR is the enumeration-based tool (run without annotations).
	PAINTOR
	// CAVIARBF is the Bayes-factor enumeration tool.
	CAVIARBF
)

var allMethods = []Method{ABF, FINEMAP, PAINTOR, CAVIARBF}

func (m Method) String() string {
	switch m {
	case ABF:
		return "abf"
	case FINEMAP:
		return "finemap"
	case PAINTOR:
		return "paintor"
	case CAVIARBF:
		return "caviarbf"
	}
	return "unknown"
}

// Column is the posterior-probability column name in the output table.
func (m Method) Column() string {
	switch m {
	case ABF:
		return "PP_ABF"
	case FINEMAP:
		return "PP_FINEMAP"
	case PAINTOR:
		return "PP_PAINTOR"
	case CAVIARBF:
		return "PP_CAVIARBF"
	}
	return "PP_UNKNOWN"
}

// NeedsLD reports whether the method consumes a pairwise LD matrix.
func (m Method) NeedsLD() bool { return m != ABF }

// ParseMethod converts a method name, rejecting unknown names at
// configuration time.
func ParseMethod(s string) (Method, error) {
	for _, m := range allMethods {
		if m.String() == s {
			return m, nil
		}
	}
	return NoMethod, errors.E("unsupported fine-mapping method: " + s)
}

// ParseMethods converts a list of method names; the single name "all"
// expands to every supported method.
func ParseMethods(names []string) ([]Method, error) {
	if len(names) == 1 && names[0] == "all" {
		return append([]Method(nil), allMethods...), nil
	}
	methods := make([]Method, 0, len(names))
	seen := make(map[Method]bool)
	for _, name := range names {
		m, err := ParseMethod(name)
		if err != nil {
			return nil, err
		}
		if seen[m] {
			continue
		}
		seen[m] = true
		methods = append(methods, m)
	}
	if len(methods) == 0 {
		return nil, errors.New("no fine-mapping methods requested")
	}
	return methods, nil
}
