package loci

import (
	"context"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/gwas/ldblock"
	"github.com/grailbio/gwas/ldref"
	"github.com/grailbio/gwas/sumstats"
	"github.com/grailbio/gwas/workspace"
)

// SelectionMethod identifies one of the lead-variant selection algorithms.
type SelectionMethod int

const (
	// Distance prunes significant variants by greedy peak-picking within a
	// fixed window (or LD block).
	Distance SelectionMethod = iota
	// Clumping delegates per-chromosome LD clumping to the reference panel.
	Clumping
	// Conditional applies stepwise conditional/joint selection per
	// chromosome or LD block.
	Conditional
)

func (m SelectionMethod) String() string {
	switch m {
	case Distance:
		return "distance"
	case Clumping:
		return "clumping"
	case Conditional:
		return "conditional"
	}
	return "unknown"
}

// ParseSelectionMethod converts a method name, rejecting unknown names at
// configuration time.
func ParseSelectionMethod(s string) (SelectionMethod, error) {
	switch s {
	case "distance":
		return Distance, nil
	case "clumping":
		return Clumping, nil
	case "conditional":
		return Conditional, nil
	}
	return 0, errors.E("unsupported selection method: " + s)
}

// Opts holds the locus-identification parameters.
type Opts struct {
	Method       SelectionMethod
	SigThreshold float64
	// ExtensionKB is the symmetric lead-to-locus extension, in kb.
	ExtensionKB int
	// Merge unions overlapping loci after expansion.
	Merge bool
	// DistanceKB is the pruning window for the distance method, in kb.
	DistanceKB int

	ClumpKB int
	ClumpR2 float64

	// SampleSize is required by the conditional method.
	SampleSize     int
	CojoWindowKB   int
	CojoCollinear  float64
	DiffFreq       float64
	OnlyUseSigSNPs bool

	UseRefEAF bool
	Threads   int
}

// DefaultOpts mirrors the conventional GWAS thresholds.
var DefaultOpts = Opts{
	Method:        Distance,
	SigThreshold:  5e-8,
	ExtensionKB:   500,
	Merge:         true,
	DistanceKB:    500,
	ClumpKB:       500,
	ClumpR2:       0.1,
	CojoWindowKB:  10000,
	CojoCollinear: 0.9,
	DiffFreq:      0.2,
	Threads:       1,
}

// Selector runs lead-variant selection. Panel and WS are required only by
// the clumping and conditional methods.
type Selector struct {
	Panel *ldref.Panel
	WS    *workspace.Provider
}

// Identify selects independent lead variants from the standardized table and
// expands them into loci. ref may be nil for the distance method; blocks may
// be nil to use fixed windows. After a merge of conditional-method leads,
// lead variants whose interval was absorbed into another's are dropped so the
// two returned tables reference the same representative set.
func (s *Selector) Identify(ctx context.Context, table sumstats.Table, ref *ldref.Ref, blocks *ldblock.Table, opts Opts) (sumstats.Table, []Locus, error) {
	var leads sumstats.Table
	var err error
	switch opts.Method {
	case Distance:
		sig := sumstats.Significant(table, opts.SigThreshold)
		if len(sig) == 0 {
			return nil, nil, errors.E("no significant variants below", opts.SigThreshold)
		}
		leads = IndepByDistance(sig, opts.DistanceKB, blocks)
	case Clumping:
		if ref == nil {
			return nil, nil, errors.E("clumping requires an LD reference panel")
		}
		sig := sumstats.Significant(table, opts.SigThreshold)
		if len(sig) == 0 {
			return nil, nil, errors.E("no significant variants below", opts.SigThreshold)
		}
		leads, err = s.indepByClumping(ctx, sig, *ref, opts)
	case Conditional:
		if ref == nil {
			return nil, nil, errors.E("conditional selection requires an LD reference panel")
		}
		if opts.SampleSize <= 0 {
			return nil, nil, errors.E("conditional selection requires a sample size")
		}
		leads, err = s.indepByConditional(ctx, table, *ref, blocks, opts)
	default:
		return nil, nil, errors.E("unsupported selection method")
	}
	if err != nil {
		return nil, nil, err
	}
	if len(leads) == 0 {
		return nil, nil, errors.E("no independent lead variants found")
	}
	loci := LeadsToLoci(leads, opts.ExtensionKB, opts.Merge, blocks)
	if opts.Merge && opts.Method == Conditional {
		log.Printf("loci: merging conditional-method loci; absorbed lead variants are dropped")
		kept := make(map[string]bool, len(loci))
		for _, l := range loci {
			kept[l.LeadSNP] = true
		}
		surviving := make(sumstats.Table, 0, len(leads))
		for i := range leads {
			if kept[leads[i].SNPID] {
				surviving = append(surviving, leads[i])
			}
		}
		leads = surviving
	}
	return leads, loci, nil
}

// IndepByDistance greedily picks the smallest-p-value variant as a lead and
// removes all remaining candidates within the pruning window on the same
// chromosome: the covering LD block when a block table is supplied (falling
// back to the +-distanceKB window when no block covers the lead), otherwise
// +-distanceKB. Equal p-values keep their first-appearance order.
func IndepByDistance(sig sumstats.Table, distanceKB int, blocks *ldblock.Table) sumstats.Table {
	cands := append(sumstats.Table(nil), sig...)
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].P < cands[j].P })
	dist := distanceKB * 1000
	var leads sumstats.Table
	for len(cands) > 0 {
		lead := cands[0]
		leads = append(leads, lead)
		lo, hi := lead.Pos-dist, lead.Pos+dist
		if blocks != nil {
			if b, ok := blocks.Covering(lead.Chrom, lead.Pos); ok {
				lo, hi = b.Start, b.End
			}
		}
		next := make(sumstats.Table, 0, len(cands)-1)
		for _, v := range cands {
			if v.Chrom == lead.Chrom && v.Pos >= lo && v.Pos <= hi {
				continue
			}
			next = append(next, v)
		}
		cands = next
	}
	return leads
}

// indepByClumping clumps each chromosome independently; a chromosome for
// which the clumping tool reports no output contributes zero leads.
func (s *Selector) indepByClumping(ctx context.Context, sig sumstats.Table, ref ldref.Ref, opts Opts) (sumstats.Table, error) {
	var leads sumstats.Table
	for _, chrom := range sumstats.Chroms(sig) {
		chromSig := sumstats.ByChrom(sig, chrom)
		dir, cleanup, err := s.WS.Unit("clump")
		if err != nil {
			return nil, err
		}
		chromLeads, err := s.Panel.Clump(ctx, dir, chromSig, ref.Resolve(chrom), opts.SigThreshold, opts.ClumpKB, opts.ClumpR2)
		cleanup()
		if err != nil {
			return nil, err
		}
		if len(chromLeads) == 0 {
			log.Printf("loci: no clumped variants on chr%d", chrom)
			continue
		}
		leads = append(leads, chromLeads...)
	}
	return leads, nil
}

// conditionalUnit is one self-contained cojo-slct work unit: the variants of
// a chromosome or an LD-block region.
type conditionalUnit struct {
	chrom int
	table sumstats.Table
}

// indepByConditional applies stepwise conditional selection per chromosome
// (or per LD block when blocks are supplied), dispatching units in parallel.
// A failing unit aborts the whole batch; partial results are discarded.
func (s *Selector) indepByConditional(ctx context.Context, table sumstats.Table, ref ldref.Ref, blocks *ldblock.Table, opts Opts) (sumstats.Table, error) {
	if !opts.UseRefEAF {
		hasEAF := false
		for i := range table {
			if table[i].HasEAF() {
				hasEAF = true
				break
			}
		}
		if !hasEAF {
			return nil, ldref.ErrMissingEAF
		}
	}
	sig := sumstats.Significant(table, opts.SigThreshold)
	if len(sig) == 0 {
		return nil, errors.E("no significant variants below", opts.SigThreshold)
	}
	log.Debug.Printf("loci: conditional selection over %d significant variants", len(sig))

	var units []conditionalUnit
	if blocks != nil {
		// One unit per significant LD-block region.
		blockLeads := IndepByDistance(sig, opts.DistanceKB, blocks)
		regions := LeadsToLoci(blockLeads, opts.ExtensionKB, false, blocks)
		for _, r := range regions {
			src := table
			if opts.OnlyUseSigSNPs {
				src = sig
			}
			unit := sumstats.InRegion(src, r.Chrom, r.Start, r.End)
			if len(unit) == 0 {
				continue
			}
			units = append(units, conditionalUnit{chrom: r.Chrom, table: unit})
		}
	} else {
		for _, chrom := range sumstats.Chroms(sig) {
			src := table
			if opts.OnlyUseSigSNPs {
				src = sig
			}
			units = append(units, conditionalUnit{chrom: chrom, table: sumstats.ByChrom(src, chrom)})
		}
	}
	threads := opts.Threads
	if threads < 1 {
		threads = 1
	}
	if threads > len(units) {
		threads = len(units)
	}
	results := make([]sumstats.Table, len(units))
	err := traverse.Each(threads, func(jobIdx int) error {
		startIdx := (jobIdx * len(units)) / threads
		endIdx := ((jobIdx + 1) * len(units)) / threads
		for i, u := range units[startIdx:endIdx] {
			dir, cleanup, err := s.WS.Unit("cojo-slct")
			if err != nil {
				return err
			}
			leads, err := s.Panel.CojoSelect(ctx, dir, u.table, ref.Resolve(u.chrom),
				opts.SampleSize, opts.SigThreshold, opts.CojoWindowKB, opts.CojoCollinear, opts.DiffFreq, opts.UseRefEAF)
			cleanup()
			if err != nil {
				return err
			}
			results[startIdx+i] = leads
			log.Printf("loci: cojo-slct unit %d/%d done (%d leads)", startIdx+i+1, len(units), len(leads))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var leads sumstats.Table
	for _, r := range results {
		leads = append(leads, r...)
	}
	sort.SliceStable(leads, func(i, j int) bool {
		if leads[i].Chrom != leads[j].Chrom {
			return leads[i].Chrom < leads[j].Chrom
		}
		return leads[i].Pos < leads[j].Pos
	})
	return leads, nil
}
