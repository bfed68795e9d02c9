package ldref

import (
	"context"
	"io/ioutil"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gwas/sumstats"
)

// ErrMissingEAF reports that a cojo operation needs allele frequencies that
// are neither present in the sumstats nor substituted from the reference.
var ErrMissingEAF = errors.New("EAF is not in the sumstats; rerun with use-ref-eaf")

// writeCojoMa writes a GCTA .ma input file (SNP A1 A2 freq b se p N,
// space-separated).
func writeCojoMa(path string, table sumstats.Table, sampleSize int) error {
	var b strings.Builder
	b.WriteString("SNP A1 A2 freq b se p N\n")
	for i := range table {
		v := &table[i]
		if !v.HasEAF() {
			return errors.E(ErrMissingEAF, v.SNPID)
		}
		b.WriteString(v.SNPID)
		b.WriteByte(' ')
		b.WriteString(v.EA)
		b.WriteByte(' ')
		b.WriteString(v.NEA)
		b.WriteByte(' ')
		b.WriteString(sumstats.FormatFloat(v.EAF))
		b.WriteByte(' ')
		b.WriteString(sumstats.FormatFloat(v.Beta))
		b.WriteByte(' ')
		b.WriteString(sumstats.FormatFloat(v.SE))
		b.WriteByte(' ')
		b.WriteString(sumstats.FormatFloat(v.P))
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(sampleSize))
		b.WriteByte('\n')
	}
	return ioutil.WriteFile(path, []byte(b.String()), 0644)
}

// cojoRow is one adjusted-statistics row parsed from a GCTA output.
type cojoRow struct {
	Beta float64
	SE   float64
	P    float64
}

// readCojoOutput parses a GCTA .jma.cojo or .cma.cojo table, pulling the
// named beta/se/p columns keyed by SNP.
func readCojoOutput(path, betaCol, seCol, pCol string) (map[string]cojoRow, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rows := make(map[string]cojoRow)
	col := map[string]int{}
	for _, line := range strings.Split(string(data), "\n") {
		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		if len(col) == 0 {
			for j, name := range f {
				col[name] = j
			}
			for _, name := range []string{"SNP", betaCol, seCol, pCol} {
				if _, ok := col[name]; !ok {
					return nil, errors.E("missing column " + name + " in " + path)
				}
			}
			continue
		}
		parse := func(name string) float64 {
			i := col[name]
			if i >= len(f) {
				return math.NaN()
			}
			v, err := strconv.ParseFloat(f[i], 64)
			if err != nil {
				return math.NaN()
			}
			return v
		}
		rows[f[col["SNP"]]] = cojoRow{Beta: parse(betaCol), SE: parse(seCol), P: parse(pCol)}
	}
	return rows, nil
}

// CojoSelect runs a GCTA stepwise model selection (--cojo-slct) over the
// given single-chromosome/block table and returns the variants surviving
// selection with joint p-value at most sigThreshold, with their adjusted
// statistics attached. The table is intersected with the reference first.
func (p *Panel) CojoSelect(ctx context.Context, dir string, table sumstats.Table, ref Ref,
	sampleSize int, sigThreshold float64, windowKB int, collinear, diffFreq float64, useRefEAF bool) (sumstats.Table, error) {
	input, prefix, err := p.Intersect(ctx, dir, table, ref, useRefEAF)
	if err != nil {
		return nil, err
	}
	maPath := filepath.Join(dir, "cojo_input.ma")
	if err := writeCojoMa(maPath, input, sampleSize); err != nil {
		return nil, err
	}
	outPrefix := filepath.Join(dir, "cojo_slct")
	err = p.runner.Run(ctx, ToolGCTA,
		"--bfile", prefix,
		"--cojo-file", maPath,
		"--cojo-slct",
		"--cojo-p", sumstats.FormatFloat(sigThreshold),
		"--cojo-wind", strconv.Itoa(windowKB),
		"--cojo-collinear", sumstats.FormatFloat(collinear),
		"--diff-freq", sumstats.FormatFloat(diffFreq),
		"--out", outPrefix)
	if err != nil {
		return nil, err
	}
	selected, err := readCojoOutput(outPrefix+".jma.cojo", "bJ", "bJ_se", "pJ")
	if err != nil {
		return nil, err
	}
	var leads sumstats.Table
	for i := range input {
		row, ok := selected[input[i].SNPID]
		if !ok || math.IsNaN(row.P) || row.P > sigThreshold {
			continue
		}
		v := input[i]
		v.CojoBeta, v.CojoSE, v.CojoP = row.Beta, row.SE, row.P
		leads = append(leads, v)
	}
	return leads, nil
}

// CojoCond re-estimates the table's statistics conditioning on condSNPs
// (--cojo-cond). The returned table covers the input variants that survive
// the joint regression, with CojoBeta/CojoSE/CojoP set; variants the
// regression could not adjust are dropped.
func (p *Panel) CojoCond(ctx context.Context, dir string, table, condSNPs sumstats.Table, ref Ref,
	sampleSize int, useRefEAF bool) (sumstats.Table, error) {
	merged := make(sumstats.Table, 0, len(table)+len(condSNPs))
	merged = append(merged, table...)
	seen := make(map[string]bool, len(table))
	for i := range table {
		seen[table[i].SNPID] = true
	}
	for i := range condSNPs {
		v := condSNPs[i]
		if seen[v.SNPID] {
			continue
		}
		// Stale adjusted columns from a previous selection round must not
		// leak into this regression's input.
		v.CojoBeta, v.CojoSE, v.CojoP = math.NaN(), math.NaN(), math.NaN()
		merged = append(merged, v)
		seen[v.SNPID] = true
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Chrom != merged[j].Chrom {
			return merged[i].Chrom < merged[j].Chrom
		}
		return merged[i].Pos < merged[j].Pos
	})
	input, prefix, err := p.Intersect(ctx, dir, merged, ref, useRefEAF)
	if err != nil {
		return nil, err
	}
	maPath := filepath.Join(dir, "cojo_input.ma")
	if err := writeCojoMa(maPath, input, sampleSize); err != nil {
		return nil, err
	}
	condPath := filepath.Join(dir, "cojo_cond.snps")
	var b strings.Builder
	for i := range condSNPs {
		b.WriteString(condSNPs[i].SNPID)
		b.WriteByte('\n')
	}
	if err := ioutil.WriteFile(condPath, []byte(b.String()), 0644); err != nil {
		return nil, err
	}
	outPrefix := filepath.Join(dir, "cojo_cond")
	err = p.runner.Run(ctx, ToolGCTA,
		"--bfile", prefix,
		"--cojo-file", maPath,
		"--cojo-cond", condPath,
		"--out", outPrefix)
	if err != nil {
		return nil, err
	}
	adjusted, err := readCojoOutput(outPrefix+".cma.cojo", "bC", "bC_se", "pC")
	if err != nil {
		return nil, err
	}
	var out sumstats.Table
	for i := range table {
		row, ok := adjusted[table[i].SNPID]
		if !ok || math.IsNaN(row.Beta) || math.IsNaN(row.SE) || math.IsNaN(row.P) {
			continue
		}
		v := table[i]
		v.CojoBeta, v.CojoSE, v.CojoP = row.Beta, row.SE, row.P
		out = append(out, v)
	}
	return out, nil
}
