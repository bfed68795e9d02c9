package finemap

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/gwas/ldref"
	"github.com/grailbio/gwas/loci"
	"github.com/grailbio/gwas/sumstats"
	"github.com/grailbio/gwas/workspace"
)

// maxLocusVariants caps the per-locus variant count; the LD-based methods
// scale poorly beyond this.
const maxLocusVariants = 5000

// Opts configures the fine-mapping engine.
type Opts struct {
	// Methods are run in order; each contributes one posterior column.
	Methods []Method
	// VarPrior is the prior effect-size standard deviation W for ABF.
	VarPrior float64
	// MaxCausal is the assumed maximum number of causal variants.
	MaxCausal int
	// Conditional adjusts each locus's statistics for nearby lead variants
	// before fine-mapping.
	Conditional bool
	// CondWindowKB bounds the distance at which other leads condition a
	// locus.
	CondWindowKB int
	// SampleSize is the GWAS sample size, needed by FINEMAP and by the
	// conditional adjustment.
	SampleSize int
	// CredibleThreshold enables credible-set filtering when positive.
	CredibleThreshold float64
	// CredibleMethod picks the posterior column the credible set is built
	// from. NoMethod is allowed when exactly one method is requested.
	CredibleMethod Method
	// UseRefEAF substitutes allele frequencies from the reference panel.
	UseRefEAF bool
	Threads   int
}

// DefaultOpts are the starting values an Opts caller should modify.
var DefaultOpts = Opts{
	Methods:        []Method{ABF},
	VarPrior:       0.2,
	MaxCausal:      1,
	CondWindowKB:   1000,
	CredibleMethod: NoMethod,
	Threads:        1,
}

// Result is one variant's fine-mapping outcome: the (possibly
// conditional-adjusted) variant record, the posterior probability under each
// requested method, and the lead variant of the locus it belongs to.
type Result struct {
	sumstats.Variant
	LeadSNP string
	PP      map[Method]float64
}

// Engine fine-maps loci against an optional LD reference panel.
type Engine struct {
	Panel *ldref.Panel
	WS    *workspace.Provider
	// Ref is the reference-panel handle; nil restricts the engine to
	// LD-free methods.
	Ref  *ldref.Ref
	Opts Opts
}

// check validates the configuration and resolves the credible-set method.
func (e *Engine) check() (Method, error) {
	if len(e.Opts.Methods) == 0 {
		return NoMethod, errors.New("no fine-mapping methods configured")
	}
	if e.Opts.MaxCausal < 1 {
		return NoMethod, errors.New("max causal variant count must be at least 1")
	}
	for _, m := range e.Opts.Methods {
		if m == FINEMAP && e.Opts.SampleSize <= 0 {
			return NoMethod, errors.New("finemap requires the GWAS sample size")
		}
	}
	if e.Opts.Conditional {
		if e.Ref == nil {
			return NoMethod, errors.New("conditional adjustment requires an LD reference panel")
		}
		if e.Opts.SampleSize <= 0 {
			return NoMethod, errors.New("conditional adjustment requires the GWAS sample size")
		}
	}
	cred := e.Opts.CredibleMethod
	if e.Opts.CredibleThreshold > 0 && cred == NoMethod {
		if len(e.Opts.Methods) == 1 {
			cred = e.Opts.Methods[0]
		} else {
			return NoMethod, errors.New("a credible-set method is required when several methods are requested with a credible threshold")
		}
	}
	return cred, nil
}

// FinemapAllLoci fine-maps every locus and concatenates the per-locus results
// in loci order. A failure in any locus aborts the batch.
func (e *Engine) FinemapAllLoci(ctx context.Context, all []loci.Locus, table, leads sumstats.Table) ([]Result, error) {
	credMethod, err := e.check()
	if err != nil {
		return nil, err
	}
	parallelism := e.Opts.Threads
	if parallelism < 1 {
		parallelism = 1
	}
	if parallelism > len(all) {
		parallelism = len(all)
	}
	perLocus := make([][]Result, len(all))
	err = traverse.Each(parallelism, func(jobIdx int) error {
		startIdx := (jobIdx * len(all)) / parallelism
		endIdx := ((jobIdx + 1) * len(all)) / parallelism
		for i := startIdx; i < endIdx; i++ {
			rows, err := e.finemapLocus(ctx, all[i], table, leads, credMethod)
			if err != nil {
				return err
			}
			perLocus[i] = rows
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var out []Result
	for _, rows := range perLocus {
		out = append(out, rows...)
	}
	return out, nil
}

// FinemapLocus fine-maps a single locus.
func (e *Engine) FinemapLocus(ctx context.Context, locus loci.Locus, table, leads sumstats.Table) ([]Result, error) {
	credMethod, err := e.check()
	if err != nil {
		return nil, err
	}
	return e.finemapLocus(ctx, locus, table, leads, credMethod)
}

func (e *Engine) finemapLocus(ctx context.Context, locus loci.Locus, table, leads sumstats.Table,
	credMethod Method) (results []Result, err error) {
	locusTable := sumstats.InRegion(table, locus.Chrom, locus.Start, locus.End)
	log.Printf("finemap: locus %d:%d-%d has %d variants", locus.Chrom, locus.Start, locus.End, len(locusTable))
	if len(locusTable) == 0 {
		log.Error.Printf("finemap: no variants in locus %d:%d-%d, skipping", locus.Chrom, locus.Start, locus.End)
		return nil, nil
	}
	locusTable = clipLocus(locusTable)

	dir, cleanup, err := e.WS.Unit(fmt.Sprintf("locus_%d_%d_%d", locus.Chrom, locus.Start, locus.End))
	if err != nil {
		return nil, err
	}
	defer cleanup()

	fmInput := locusTable
	outRows := locusTable
	if e.Opts.Conditional {
		if e.Opts.MaxCausal > 1 {
			log.Error.Printf("finemap: conditional adjustment assumes a single causal variant per locus")
		}
		adjusted, err := e.condAdjust(ctx, dir, locusTable, locus, leads)
		if err != nil {
			return nil, err
		}
		fmInput = make(sumstats.Table, len(adjusted))
		for i := range adjusted {
			v := adjusted[i]
			v.Beta, v.SE, v.P = v.CojoBeta, v.CojoSE, v.CojoP
			fmInput[i] = v
		}
		adjIdx := sumstats.Index(adjusted)
		outRows = append(sumstats.Table(nil), locusTable...)
		for i := range outRows {
			if j, ok := adjIdx[outRows[i].SNPID]; ok {
				outRows[i].CojoBeta = adjusted[j].CojoBeta
				outRows[i].CojoSE = adjusted[j].CojoSE
				outRows[i].CojoP = adjusted[j].CojoP
			}
		}
	}

	needLD := false
	for _, m := range e.Opts.Methods {
		if m.NeedsLD() {
			needLD = true
		}
	}
	var (
		ldTable sumstats.Table
		ldPath  string
		ldOK    bool
	)
	if needLD {
		switch {
		case e.Ref == nil:
			log.Error.Printf("finemap: no LD reference panel configured, LD-based methods yield missing values for locus %d:%d-%d",
				locus.Chrom, locus.Start, locus.End)
		default:
			ref := e.Ref.Resolve(locus.Chrom)
			if checkErr := ref.Check(); checkErr != nil {
				log.Error.Printf("finemap: %v, LD-based methods yield missing values for locus %d:%d-%d",
					checkErr, locus.Chrom, locus.Start, locus.End)
				break
			}
			var prefix string
			ldTable, prefix, err = e.Panel.Intersect(ctx, dir, fmInput, ref, e.Opts.UseRefEAF)
			if err != nil {
				return nil, err
			}
			if _, err = e.Panel.LDMatrix(ctx, prefix); err != nil {
				return nil, err
			}
			ldPath = prefix + ".ld"
			ldOK = true
		}
	}

	results = make([]Result, len(outRows))
	for i := range outRows {
		results[i] = Result{
			Variant: outRows[i],
			LeadSNP: locus.LeadSNP,
			PP:      make(map[Method]float64, len(e.Opts.Methods)),
		}
	}
	for _, m := range e.Opts.Methods {
		var pp map[string]float64
		switch {
		case m == ABF:
			pp, err = abfPosteriors(fmInput, e.Opts.VarPrior, e.Opts.MaxCausal)
		case !ldOK:
			pp = nil
		case m == FINEMAP:
			pp, err = e.runFINEMAP(ctx, dir, ldTable, ldPath)
		case m == PAINTOR:
			pp, err = e.runPAINTOR(ctx, dir, ldTable, ldPath)
		case m == CAVIARBF:
			pp, err = e.runCAVIARBF(ctx, dir, ldTable, ldPath)
		default:
			err = errors.E("unsupported fine-mapping method:", m.String())
		}
		if err != nil {
			return nil, err
		}
		for i := range results {
			p, ok := pp[results[i].Variant.SNPID]
			if !ok {
				p = math.NaN()
			}
			results[i].PP[m] = p
		}
	}

	if e.Opts.CredibleThreshold > 0 {
		results = credibleSet(results, credMethod, e.Opts.CredibleThreshold*float64(e.Opts.MaxCausal))
	}
	return results, nil
}

// clipLocus caps the locus at maxLocusVariants, keeping the lowest p-values
// and restoring positional order.
func clipLocus(table sumstats.Table) sumstats.Table {
	if len(table) <= maxLocusVariants {
		return table
	}
	log.Error.Printf("finemap: locus has %d variants, keeping the %d with lowest p-values", len(table), maxLocusVariants)
	clipped := append(sumstats.Table(nil), table...)
	sort.SliceStable(clipped, func(i, j int) bool { return clipped[i].P < clipped[j].P })
	clipped = clipped[:maxLocusVariants]
	sort.SliceStable(clipped, func(i, j int) bool { return clipped[i].Pos < clipped[j].Pos })
	return clipped
}

// condAdjust conditions the locus's statistics on the other lead variants
// within the configured window. With no such leads the raw statistics carry
// over unchanged.
func (e *Engine) condAdjust(ctx context.Context, dir string, locusTable sumstats.Table,
	locus loci.Locus, leads sumstats.Table) (sumstats.Table, error) {
	leadIdx := sumstats.Index(leads)
	li, ok := leadIdx[locus.LeadSNP]
	if !ok {
		return nil, errors.E("lead variant " + locus.LeadSNP + " is absent from the lead table")
	}
	lead := leads[li]
	window := e.Opts.CondWindowKB * 1000
	var condSNPs sumstats.Table
	for i := range leads {
		v := leads[i]
		if v.Chrom != lead.Chrom || v.SNPID == lead.SNPID {
			continue
		}
		if v.Pos >= lead.Pos-window && v.Pos <= lead.Pos+window {
			condSNPs = append(condSNPs, v)
		}
	}
	if len(condSNPs) == 0 {
		log.Debug.Printf("finemap: no conditional variants near %s", locus.LeadSNP)
		adjusted := append(sumstats.Table(nil), locusTable...)
		for i := range adjusted {
			adjusted[i].CojoBeta = adjusted[i].Beta
			adjusted[i].CojoSE = adjusted[i].SE
			adjusted[i].CojoP = adjusted[i].P
		}
		return adjusted, nil
	}
	log.Debug.Printf("finemap: conditioning %s on %d nearby leads", locus.LeadSNP, len(condSNPs))
	ref := e.Ref.Resolve(locus.Chrom)
	return e.Panel.CojoCond(ctx, dir, locusTable, condSNPs, ref, e.Opts.SampleSize, e.Opts.UseRefEAF)
}
