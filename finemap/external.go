package finemap

import (
	"context"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gwas/ldref"
	"github.com/grailbio/gwas/sumstats"
)

// finemapMinMAF stands in for a zero allele frequency; FINEMAP rejects
// monomorphic entries outright.
const finemapMinMAF = 1e-5

func formatStat(f float64) string {
	if math.IsNaN(f) {
		return "NA"
	}
	return strconv.FormatFloat(f, 'f', 5, 64)
}

// runFINEMAP performs shotgun stochastic search over the intersected locus.
// The table must carry allele frequencies. An empty .snp output is treated as
// no signal: the returned map is empty and every variant ends up missing.
func (e *Engine) runFINEMAP(ctx context.Context, dir string, table sumstats.Table, ldPath string) (map[string]float64, error) {
	zPath := filepath.Join(dir, "finemap.z")
	var b strings.Builder
	b.WriteString("rsid chromosome position allele1 allele2 maf beta se\n")
	for i := range table {
		v := &table[i]
		if math.IsNaN(v.MAF) {
			return nil, errors.E("MAF is required for FINEMAP; rerun with use-ref-eaf")
		}
		maf := v.MAF
		if maf == 0 {
			maf = finemapMinMAF
		}
		b.WriteString(v.SNPID)
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(v.Chrom))
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(v.Pos))
		b.WriteByte(' ')
		b.WriteString(v.EA)
		b.WriteByte(' ')
		b.WriteString(v.NEA)
		b.WriteByte(' ')
		b.WriteString(formatStat(maf))
		b.WriteByte(' ')
		b.WriteString(formatStat(v.Beta))
		b.WriteByte(' ')
		b.WriteString(formatStat(v.SE))
		b.WriteByte('\n')
	}
	if err := ioutil.WriteFile(zPath, []byte(b.String()), 0644); err != nil {
		return nil, err
	}
	snpPath := filepath.Join(dir, "finemap.snp")
	masterPath := filepath.Join(dir, "finemap.master")
	master := strings.Join([]string{
		zPath,
		ldPath,
		snpPath,
		filepath.Join(dir, "finemap.config"),
		filepath.Join(dir, "finemap.cred"),
		filepath.Join(dir, "finemap.log"),
		strconv.Itoa(e.Opts.SampleSize),
	}, ";")
	content := "z;ld;snp;config;cred;log;n_samples\n" + master
	if err := ioutil.WriteFile(masterPath, []byte(content), 0644); err != nil {
		return nil, err
	}
	err := e.Panel.Run(ctx, ldref.ToolFinemap,
		"--sss",
		"--in-files", masterPath,
		"--n-causal-snps", strconv.Itoa(e.Opts.MaxCausal))
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(snpPath)
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		log.Error.Printf("finemap: FINEMAP produced no output")
		return map[string]float64{}, nil
	}
	return readColumnPairs(snpPath, "rsid", "prob")
}

// runPAINTOR enumerates causal configurations without annotations (a
// constant annotation column stands in). The LD matrix is linked into the
// input directory under the name PAINTOR derives from the input prefix.
func (e *Engine) runPAINTOR(ctx context.Context, dir string, table sumstats.Table, ldPath string) (map[string]float64, error) {
	const inputPrefix = "paintor.processed"
	var b strings.Builder
	b.WriteString("SNPID CHR BP Zscore\n")
	for i := range table {
		v := &table[i]
		b.WriteString(v.SNPID)
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(v.Chrom))
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(v.Pos))
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(v.Z(), 'g', -1, 64))
		b.WriteByte('\n')
	}
	if err := ioutil.WriteFile(filepath.Join(dir, inputPrefix), []byte(b.String()), 0644); err != nil {
		return nil, err
	}
	var ann strings.Builder
	ann.WriteString("coding\n")
	for range table {
		ann.WriteString("1\n")
	}
	if err := ioutil.WriteFile(filepath.Join(dir, inputPrefix+".annotations"), []byte(ann.String()), 0644); err != nil {
		return nil, err
	}
	if err := ioutil.WriteFile(filepath.Join(dir, inputPrefix+".input"), []byte(inputPrefix), 0644); err != nil {
		return nil, err
	}
	absLD, err := filepath.Abs(ldPath)
	if err != nil {
		return nil, err
	}
	linkPath := filepath.Join(dir, inputPrefix+".ld")
	if linkPath != absLD {
		if err := os.Symlink(absLD, linkPath); err != nil && !os.IsExist(err) {
			return nil, err
		}
	}
	err = e.Panel.Run(ctx, ldref.ToolPaintor,
		"-input", filepath.Join(dir, inputPrefix+".input"),
		"-out", dir,
		"-Zhead", "Zscore",
		"-LDname", "ld",
		"-enumerate", strconv.Itoa(e.Opts.MaxCausal),
		"-in", dir)
	if err != nil {
		return nil, err
	}
	return readColumnPairs(filepath.Join(dir, inputPrefix+".results"), "SNPID", "Posterior_Prob")
}

// runCAVIARBF computes per-model Bayes factors and marginalizes them with
// model_search under a flat prior. The .marginal output indexes variants by
// their 1-based input position.
func (e *Engine) runCAVIARBF(ctx context.Context, dir string, table sumstats.Table, ldPath string) (map[string]float64, error) {
	zPath := filepath.Join(dir, "caviar.input")
	var b strings.Builder
	for i := range table {
		v := &table[i]
		b.WriteString(v.SNPID)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(v.Z(), 'g', -1, 64))
		b.WriteByte('\n')
	}
	if err := ioutil.WriteFile(zPath, []byte(b.String()), 0644); err != nil {
		return nil, err
	}
	bfPath := filepath.Join(dir, "caviar.output")
	err := e.Panel.Run(ctx, ldref.ToolCaviarbf,
		"-z", zPath,
		"-r", ldPath,
		"-t", "0",
		"-a", "0.1281429",
		"-n", strconv.Itoa(len(table)),
		"-c", strconv.Itoa(e.Opts.MaxCausal),
		"-o", bfPath)
	if err != nil {
		return nil, err
	}
	marginalPrefix := filepath.Join(dir, "caviar.prior0")
	err = e.Panel.Run(ctx, ldref.ToolModelSearch,
		"-i", bfPath,
		"-m", strconv.Itoa(len(table)),
		"-p", "0",
		"-o", marginalPrefix)
	if err != nil {
		return nil, err
	}
	return readMarginal(marginalPrefix+".marginal", table)
}

// readColumnPairs parses a space-separated table with a header row, mapping
// the key column to the float value column. Unparseable values become NaN.
func readColumnPairs(path, keyCol, valCol string) (map[string]float64, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 {
		return nil, errors.E("empty output file " + path)
	}
	header := strings.Fields(lines[0])
	keyIdx, valIdx := -1, -1
	for i, name := range header {
		switch name {
		case keyCol:
			keyIdx = i
		case valCol:
			valIdx = i
		}
	}
	if keyIdx < 0 || valIdx < 0 {
		return nil, errors.E("columns " + keyCol + "/" + valCol + " not found in " + path)
	}
	out := make(map[string]float64)
	for _, line := range lines[1:] {
		f := strings.Fields(line)
		if len(f) <= keyIdx || len(f) <= valIdx {
			continue
		}
		v, err := strconv.ParseFloat(f[valIdx], 64)
		if err != nil {
			v = math.NaN()
		}
		out[f[keyIdx]] = v
	}
	return out, nil
}

// readMarginal parses a model_search .marginal file (variant index, posterior
// probability; headerless) and maps probabilities back onto table order.
func readMarginal(path string, table sumstats.Table) (map[string]float64, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	type entry struct {
		idx int
		pp  float64
	}
	var entries []entry
	for _, line := range strings.Split(string(data), "\n") {
		f := strings.Fields(line)
		if len(f) < 2 {
			continue
		}
		idx, err := strconv.Atoi(f[0])
		if err != nil {
			return nil, errors.E("malformed marginal line in " + path + ": " + line)
		}
		pp, err := strconv.ParseFloat(f[1], 64)
		if err != nil {
			return nil, errors.E("malformed marginal line in " + path + ": " + line)
		}
		entries = append(entries, entry{idx: idx, pp: pp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].idx < entries[j].idx })
	if len(entries) != len(table) {
		return nil, errors.E("marginal output in "+path+" has", len(entries), "entries for", len(table), "variants")
	}
	out := make(map[string]float64, len(table))
	for i := range table {
		out[table[i].SNPID] = entries[i].pp
	}
	return out, nil
}
