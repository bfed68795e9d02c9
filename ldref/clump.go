package ldref

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/gwas/sumstats"
)

// Clump partitions the given (single-chromosome) significant variants into
// LD clumps anchored at decreasing-p-value seeds and returns the retained
// seeds, preserving the input order. An absent .clumped output means plink
// found nothing to retain on this chromosome; that contributes zero leads
// and is logged, not an error.
func (p *Panel) Clump(ctx context.Context, dir string, sig sumstats.Table, ref Ref, p1 float64, kb int, r2 float64) (sumstats.Table, error) {
	if err := ref.Check(); err != nil {
		return nil, err
	}
	pPath := filepath.Join(dir, "clump_p.txt")
	var b strings.Builder
	b.WriteString("SNPID\tP\n")
	for i := range sig {
		b.WriteString(sig[i].SNPID)
		b.WriteByte('\t')
		b.WriteString(sumstats.FormatFloat(sig[i].P))
		b.WriteByte('\n')
	}
	if err := ioutil.WriteFile(pPath, []byte(b.String()), 0644); err != nil {
		return nil, err
	}
	outPrefix := filepath.Join(dir, "clump")
	err := p.runner.Run(ctx, ToolPlink,
		"--bfile", ref.Prefix,
		"--clump", pPath,
		"--clump-p1", sumstats.FormatFloat(p1),
		"--clump-kb", strconv.Itoa(kb),
		"--clump-r2", sumstats.FormatFloat(r2),
		"--clump-snp-field", "SNPID",
		"--clump-field", "P",
		"--out", outPrefix)
	if err != nil {
		return nil, err
	}
	clumpedPath := outPrefix + ".clumped"
	if _, err := os.Stat(clumpedPath); err != nil {
		log.Printf("ldref: no clumped variants reported for %s", ref.Prefix)
		return nil, nil
	}
	seeds, err := readClumped(clumpedPath)
	if err != nil {
		return nil, err
	}
	var leads sumstats.Table
	for i := range sig {
		if seeds[sig[i].SNPID] {
			leads = append(leads, sig[i])
		}
	}
	return leads, nil
}

// readClumped extracts the SNP column of a plink .clumped report.
func readClumped(path string) (map[string]bool, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	seeds := make(map[string]bool)
	snpCol := -1
	for i, line := range strings.Split(string(data), "\n") {
		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		if i == 0 || snpCol < 0 {
			for j, name := range f {
				if name == "SNP" {
					snpCol = j
				}
			}
			continue
		}
		if snpCol < len(f) {
			seeds[f[snpCol]] = true
		}
	}
	return seeds, nil
}
