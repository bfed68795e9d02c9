// Package loci identifies independent association signals in standardized
// GWAS summary statistics and expands them into genomic intervals. Three
// lead-variant selection methods are supported (distance pruning, LD
// clumping, iterative conditional selection), followed by interval
// construction and optional merging of overlapping loci.
package loci

import (
	"bufio"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/gwas/ldblock"
	"github.com/grailbio/gwas/sumstats"
	"github.com/klauspost/compress/gzip"
)

// Locus is one independent association interval. Start may be 0 after
// clamping a window at the chromosome start. When an LD-block table supplies
// the boundaries and no block covers the lead, Start and End are both zero (a
// zero-width interval); callers that fine-map such a locus will find no
// variants in it.
type Locus struct {
	Chrom   int
	Start   int
	End     int
	LeadSNP string
	LeadP   float64
	LeadPos int
}

// LeadsToLoci expands lead variants into loci. With blocks, each lead takes
// the boundaries of its covering LD block; otherwise a symmetric
// extensionKB window clamped at zero. With merge, overlapping or touching
// same-chromosome intervals are unioned. The result is sorted by
// (chrom, start, end).
func LeadsToLoci(leads sumstats.Table, extensionKB int, merge bool, blocks *ldblock.Table) []Locus {
	loci := make([]Locus, 0, len(leads))
	for i := range leads {
		v := &leads[i]
		l := Locus{Chrom: v.Chrom, LeadSNP: v.SNPID, LeadP: v.P, LeadPos: v.Pos}
		if blocks != nil {
			if b, ok := blocks.Covering(v.Chrom, v.Pos); ok {
				l.Start, l.End = b.Start, b.End
			}
			// No covering block leaves the zero-width [0,0] interval.
		} else {
			ext := extensionKB * 1000
			l.Start = v.Pos - ext
			if l.Start < 0 {
				l.Start = 0
			}
			l.End = v.Pos + ext
		}
		loci = append(loci, l)
	}
	if merge {
		loci = MergeOverlapped(loci)
	}
	sortLoci(loci)
	return loci
}

// MergeOverlapped unions overlapping or touching same-chromosome intervals.
// Each merged interval spans the group's min start to max end and inherits
// the lead identity of the group member with the smallest lead p-value.
// The result is sorted by (chrom, start, end) with pairwise non-overlapping
// intervals per chromosome; the operation is idempotent.
func MergeOverlapped(loci []Locus) []Locus {
	if len(loci) == 0 {
		return nil
	}
	sorted := append([]Locus(nil), loci...)
	sortLoci(sorted)
	merged := make([]Locus, 0, len(sorted))
	for _, l := range sorted {
		if n := len(merged); n > 0 && l.Chrom == merged[n-1].Chrom && l.Start <= merged[n-1].End {
			g := &merged[n-1]
			if l.End > g.End {
				g.End = l.End
			}
			if l.LeadP < g.LeadP {
				g.LeadSNP, g.LeadP, g.LeadPos = l.LeadSNP, l.LeadP, l.LeadPos
			}
			continue
		}
		merged = append(merged, l)
	}
	return merged
}

func sortLoci(loci []Locus) {
	sort.SliceStable(loci, func(i, j int) bool {
		if loci[i].Chrom != loci[j].Chrom {
			return loci[i].Chrom < loci[j].Chrom
		}
		if loci[i].Start != loci[j].Start {
			return loci[i].Start < loci[j].Start
		}
		return loci[i].End < loci[j].End
	})
}

// WriteLoci writes the loci table as a TSV with columns
// CHR START END LEAD_SNP LEAD_SNP_P LEAD_SNP_BP.
func WriteLoci(path string, loci []Locus) (err error) {
	ctx := vcontext.Background()
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewWriter(out.Writer(ctx))
	for _, name := range []string{"CHR", "START", "END", "LEAD_SNP", "LEAD_SNP_P", "LEAD_SNP_BP"} {
		w.WriteString(name)
	}
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, l := range loci {
		w.WriteString(strconv.Itoa(l.Chrom))
		w.WriteString(strconv.Itoa(l.Start))
		w.WriteString(strconv.Itoa(l.End))
		w.WriteString(l.LeadSNP)
		w.WriteString(sumstats.FormatFloat(l.LeadP))
		w.WriteString(strconv.Itoa(l.LeadPos))
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadLoci reads a loci TSV written by WriteLoci.
func ReadLoci(path string) (loci []Locus, err error) {
	ctx := vcontext.Background()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	reader := io.Reader(in.Reader(ctx))
	if fileio.DetermineType(path) == fileio.Gzip {
		if reader, err = gzip.NewReader(reader); err != nil {
			return nil, err
		}
	}
	scanner := bufio.NewScanner(reader)
	col := map[string]int{}
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		f := strings.Split(line, "\t")
		if len(col) == 0 {
			for j, name := range f {
				col[strings.TrimSpace(name)] = j
			}
			for _, name := range []string{"CHR", "START", "END", "LEAD_SNP", "LEAD_SNP_P", "LEAD_SNP_BP"} {
				if _, ok := col[name]; !ok {
					return nil, errors.E("missing column " + name + " in " + path)
				}
			}
			continue
		}
		if len(f) < len(col) {
			return nil, errors.E("short row in " + path + ": " + line)
		}
		get := func(name string) string { return strings.TrimSpace(f[col[name]]) }
		chrom, ok := sumstats.ParseChrom(get("CHR"))
		if !ok {
			return nil, errors.E("bad chromosome in " + path + ": " + get("CHR"))
		}
		l := Locus{Chrom: chrom, LeadSNP: get("LEAD_SNP")}
		if l.Start, err = strconv.Atoi(get("START")); err != nil {
			return nil, err
		}
		if l.End, err = strconv.Atoi(get("END")); err != nil {
			return nil, err
		}
		if l.LeadP, err = strconv.ParseFloat(get("LEAD_SNP_P"), 64); err != nil {
			return nil, err
		}
		if l.LeadPos, err = strconv.Atoi(get("LEAD_SNP_BP")); err != nil {
			return nil, err
		}
		if math.IsNaN(l.LeadP) {
			return nil, errors.E("bad lead p-value in " + path)
		}
		loci = append(loci, l)
	}
	return loci, scanner.Err()
}
