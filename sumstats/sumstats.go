package sumstats

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/log"
)

// ChromX is the integer code for the X chromosome. Chromosomes are numbered
// 1..23; 23 is X.
const ChromX = 23

// Variant is one standardized summary-statistics row. A Variant is
// constructed once, at standardization time, and never modified afterward;
// derived columns (conditional-adjusted statistics, posterior probabilities)
// live in copies or in per-stage result types.
type Variant struct {
	SNPID string // unique ID, chrom-pos-sorted(allele pair)
	Chrom int    // 1..23, 23=X
	Pos   int
	RSID  string
	EA    string // effect allele, uppercased
	NEA   string // other allele, uppercased
	P     float64
	Beta  float64
	SE    float64
	EAF   float64 // NaN when absent from the input
	MAF   float64 // NaN when absent from the input
	N     int     // 0 when absent

	// Conditional-adjusted statistics from a joint regression. Valid only
	// when CojoSE > 0.
	CojoBeta float64
	CojoSE   float64
	CojoP    float64
}

// Z returns the z-score beta/se.
func (v *Variant) Z() float64 { return v.Beta / v.SE }

// HasEAF reports whether the effect-allele frequency is known.
func (v *Variant) HasEAF() bool { return !math.IsNaN(v.EAF) && v.EAF != 0 }

// HasCojo reports whether conditional-adjusted statistics have been attached.
func (v *Variant) HasCojo() bool { return v.CojoSE > 0 }

// Table is an ordered set of variants.
type Table []Variant

// MakeSNPID derives the canonical variant ID chrom-pos-a1-a2 with the allele
// pair in lexicographic order, so that the ID is independent of which allele
// is labeled "effect".
func MakeSNPID(chrom, pos int, a1, a2 string) string {
	if a2 < a1 {
		a1, a2 = a2, a1
	}
	var b strings.Builder
	b.WriteString(strconv.Itoa(chrom))
	b.WriteByte('-')
	b.WriteString(strconv.Itoa(pos))
	b.WriteByte('-')
	b.WriteString(a1)
	b.WriteByte('-')
	b.WriteString(a2)
	return b.String()
}

// ParseChrom parses a chromosome label. A "chr" prefix is stripped, and
// X/x maps to 23. The second return is false for anything outside 1..23.
func ParseChrom(s string) (int, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "chr")
	if s == "X" || s == "x" {
		return ChromX, true
	}
	c, err := strconv.Atoi(s)
	if err != nil || c < 1 || c > ChromX {
		return 0, false
	}
	return c, true
}

// RawVariant is one unvalidated input row, fields still in text form.
// Optional columns are empty strings when absent.
type RawVariant struct {
	Chrom string
	Pos   string
	RSID  string
	EA    string
	NEA   string
	P     string
	Beta  string
	SE    string
	EAF   string
	MAF   string
	N     string
}

func parseFloat(s string) (float64, bool) {
	if s == "" || s == "NA" || s == "nan" || s == "NaN" {
		return math.NaN(), false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return math.NaN(), false
	}
	return f, true
}

// standardizeRow converts one raw row, returning false when any required
// field is missing or out of range.
func standardizeRow(r RawVariant) (Variant, bool) {
	v := Variant{
		RSID:     r.RSID,
		CojoBeta: math.NaN(),
		CojoSE:   math.NaN(),
		CojoP:    math.NaN(),
	}
	var ok bool
	if v.Chrom, ok = ParseChrom(r.Chrom); !ok {
		return v, false
	}
	pos, err := strconv.ParseFloat(strings.TrimSpace(r.Pos), 64)
	if err != nil || math.IsNaN(pos) || pos <= 0 || pos != math.Trunc(pos) {
		return v, false
	}
	v.Pos = int(pos)
	v.EA = strings.ToUpper(strings.TrimSpace(r.EA))
	v.NEA = strings.ToUpper(strings.TrimSpace(r.NEA))
	if v.EA == "" || v.NEA == "" {
		return v, false
	}
	if v.P, ok = parseFloat(r.P); !ok || v.P <= 0 || v.P >= 1 {
		return v, false
	}
	if v.Beta, ok = parseFloat(r.Beta); !ok || math.IsInf(v.Beta, 0) {
		return v, false
	}
	if v.SE, ok = parseFloat(r.SE); !ok || v.SE <= 0 {
		return v, false
	}
	v.EAF, _ = parseFloat(r.EAF)
	v.MAF, _ = parseFloat(r.MAF)
	if n, ok := parseFloat(r.N); ok && n > 0 {
		v.N = int(n)
	}
	v.SNPID = MakeSNPID(v.Chrom, v.Pos, v.EA, v.NEA)
	return v, true
}

// Standardize validates raw rows, derives SNPIDs, removes duplicates
// (keeping the smallest p-value per SNPID), and returns the table sorted by
// (chrom, pos). Rows failing validation are dropped, not fatal; the drop
// count is logged.
func Standardize(rows []RawVariant) Table {
	table := make(Table, 0, len(rows))
	dropped := 0
	for _, r := range rows {
		v, ok := standardizeRow(r)
		if !ok {
			dropped++
			continue
		}
		table = append(table, v)
	}
	if dropped > 0 {
		log.Printf("sumstats: dropped %d of %d rows failing standardization", dropped, len(rows))
	}
	// Keep the smallest-P row per SNPID.
	sort.SliceStable(table, func(i, j int) bool { return table[i].P < table[j].P })
	seen := make(map[string]bool, len(table))
	dedup := table[:0]
	for _, v := range table {
		if seen[v.SNPID] {
			continue
		}
		seen[v.SNPID] = true
		dedup = append(dedup, v)
	}
	table = dedup
	sort.SliceStable(table, func(i, j int) bool {
		if table[i].Chrom != table[j].Chrom {
			return table[i].Chrom < table[j].Chrom
		}
		return table[i].Pos < table[j].Pos
	})
	return table
}

// Significant returns the subset with P < threshold, sorted ascending by
// p-value. Ties keep their input order.
func Significant(table Table, threshold float64) Table {
	sig := make(Table, 0, len(table))
	for _, v := range table {
		if v.P < threshold {
			sig = append(sig, v)
		}
	}
	sort.SliceStable(sig, func(i, j int) bool { return sig[i].P < sig[j].P })
	return sig
}

// Chroms returns the distinct chromosomes present, in order of first
// appearance.
func Chroms(table Table) []int {
	var chroms []int
	seen := make(map[int]bool)
	for _, v := range table {
		if !seen[v.Chrom] {
			seen[v.Chrom] = true
			chroms = append(chroms, v.Chrom)
		}
	}
	return chroms
}

// ByChrom returns the subset on the given chromosome, preserving order.
func ByChrom(table Table, chrom int) Table {
	sub := make(Table, 0, len(table))
	for _, v := range table {
		if v.Chrom == chrom {
			sub = append(sub, v)
		}
	}
	return sub
}

// InRegion returns the subset on chrom with start <= pos <= end, preserving
// order.
func InRegion(table Table, chrom, start, end int) Table {
	sub := make(Table, 0, len(table))
	for _, v := range table {
		if v.Chrom == chrom && v.Pos >= start && v.Pos <= end {
			sub = append(sub, v)
		}
	}
	return sub
}

// Index returns a SNPID -> table position lookup.
func Index(table Table) map[string]int {
	idx := make(map[string]int, len(table))
	for i, v := range table {
		idx[v.SNPID] = i
	}
	return idx
}
