package ldref

import (
	"context"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gwas/sumstats"
	"gonum.org/v1/gonum/mat"
)

// ErrReferenceNotFound reports that a reference handle does not resolve to an
// existing bed/bim/fam triplet.
var ErrReferenceNotFound = errors.New("LD reference panel not found")

// Ref is a handle to a PLINK bfile prefix. The prefix may contain a {chrom}
// placeholder, resolved per chromosome.
type Ref struct {
	Prefix string
}

// HasTemplate reports whether the prefix is templated per chromosome.
func (r Ref) HasTemplate() bool { return strings.Contains(r.Prefix, "{chrom}") }

// Resolve substitutes the chromosome into a templated prefix. A non-templated
// prefix resolves to itself.
func (r Ref) Resolve(chrom int) Ref {
	return Ref{Prefix: strings.Replace(r.Prefix, "{chrom}", strconv.Itoa(chrom), -1)}
}

// resolveLabel substitutes an arbitrary chromosome label ("X" fallback).
func (r Ref) resolveLabel(label string) Ref {
	return Ref{Prefix: strings.Replace(r.Prefix, "{chrom}", label, -1)}
}

// Check verifies the triplet exists, returning ErrReferenceNotFound
// otherwise.
func (r Ref) Check() error {
	for _, ext := range []string{".bed", ".bim", ".fam"} {
		if _, err := os.Stat(r.Prefix + ext); err != nil {
			return errors.E(ErrReferenceNotFound, r.Prefix+ext)
		}
	}
	return nil
}

// Panel issues requests against a reference panel through an external-tool
// Runner.
type Panel struct {
	runner Runner
}

// New returns a Panel using the given runner; nil means real binaries.
func New(runner Runner) *Panel {
	if runner == nil {
		runner = NewExecRunner()
	}
	return &Panel{runner: runner}
}

// Run forwards a raw tool invocation to the panel's runner.
func (p *Panel) Run(ctx context.Context, tool string, args ...string) error {
	return p.runner.Run(ctx, tool, args...)
}

// bimRow is one row of a PLINK .bim file.
type bimRow struct {
	Chrom int
	ID    string
	CM    string
	Pos   int
	A1    string
	A2    string
}

func readBim(path string) ([]bimRow, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rows []bimRow
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		f := strings.Fields(line)
		if len(f) < 6 {
			return nil, errors.E("malformed bim line in " + path + ": " + line)
		}
		chrom, ok := sumstats.ParseChrom(f[0])
		if !ok {
			return nil, errors.E("bad chromosome in " + path + ": " + f[0])
		}
		pos, err := strconv.Atoi(f[3])
		if err != nil {
			return nil, err
		}
		rows = append(rows, bimRow{Chrom: chrom, ID: f[1], CM: f[2], Pos: pos, A1: f[4], A2: f[5]})
	}
	return rows, nil
}

func writeBim(path string, rows []bimRow) error {
	var b strings.Builder
	for _, r := range rows {
		b.WriteString(strconv.Itoa(r.Chrom))
		b.WriteByte('\t')
		b.WriteString(r.ID)
		b.WriteByte('\t')
		b.WriteString(r.CM)
		b.WriteByte('\t')
		b.WriteString(strconv.Itoa(r.Pos))
		b.WriteByte('\t')
		b.WriteString(r.A1)
		b.WriteByte('\t')
		b.WriteString(r.A2)
		b.WriteByte('\n')
	}
	return ioutil.WriteFile(path, []byte(b.String()), 0644)
}

// Intersect subsets the table to the variants present in the reference,
// returned in reference (.bim) order, and extracts the matching genotype
// subset under dir. The returned prefix points at the extracted triplet, to
// be reused by LDMatrix and the cojo operations.
//
// When useRefEAF is set, EAF and MAF are overwritten from the
// reference-computed allele frequency, flipping to 1-freq when the reference
// codes the opposite allele as A1.
func (p *Panel) Intersect(ctx context.Context, dir string, table sumstats.Table, ref Ref, useRefEAF bool) (sumstats.Table, string, error) {
	if err := ref.Check(); err != nil {
		return nil, "", err
	}
	listPath := filepath.Join(dir, "overlap_snpid.txt")
	var ids strings.Builder
	for i := range table {
		ids.WriteString(table[i].SNPID)
		ids.WriteByte('\n')
	}
	if err := ioutil.WriteFile(listPath, []byte(ids.String()), 0644); err != nil {
		return nil, "", err
	}
	prefix := filepath.Join(dir, "intersect")
	err := p.runner.Run(ctx, ToolPlink,
		"--bfile", ref.Prefix,
		"--extract", listPath,
		"--keep-allele-order",
		"--make-bed",
		"--out", prefix)
	if err != nil {
		return nil, "", err
	}
	bim, err := readBim(prefix + ".bim")
	if err != nil {
		return nil, "", err
	}
	idx := sumstats.Index(table)
	overlap := make(sumstats.Table, 0, len(bim))
	for _, row := range bim {
		i, ok := idx[row.ID]
		if !ok {
			continue
		}
		overlap = append(overlap, table[i])
	}
	log.Debug.Printf("ldref: intersected %d of %d variants with %s", len(overlap), len(table), ref.Prefix)
	if useRefEAF {
		if err := p.substituteFreq(ctx, dir, prefix, overlap); err != nil {
			return nil, "", err
		}
	}
	return overlap, prefix, nil
}

// substituteFreq runs plink --freq on the extracted subset and overwrites the
// EAF/MAF columns in place (overlap rows are copies owned by the caller).
func (p *Panel) substituteFreq(ctx context.Context, dir, prefix string, overlap sumstats.Table) error {
	freqPrefix := filepath.Join(dir, "freq")
	err := p.runner.Run(ctx, ToolPlink,
		"--bfile", prefix,
		"--freq",
		"--out", freqPrefix)
	if err != nil {
		return err
	}
	freq, err := readFrq(freqPrefix + ".frq")
	if err != nil {
		return err
	}
	for i := range overlap {
		v := &overlap[i]
		f, ok := freq[v.SNPID]
		if !ok {
			continue
		}
		if f.A1 == v.EA {
			v.EAF = f.MAF
		} else {
			v.EAF = 1 - f.MAF
		}
		v.MAF = f.MAF
	}
	return nil
}

type frqRow struct {
	A1  string
	A2  string
	MAF float64
}

// readFrq parses a plink .frq report (CHR SNP A1 A2 MAF NCHROBS).
func readFrq(path string) (map[string]frqRow, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rows := make(map[string]frqRow)
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		f := strings.Fields(line)
		if len(f) < 5 || i == 0 {
			continue
		}
		maf, err := strconv.ParseFloat(f[4], 64)
		if err != nil {
			return nil, errors.E("malformed .frq line: " + line)
		}
		rows[f[1]] = frqRow{A1: strings.ToUpper(f[2]), A2: strings.ToUpper(f[3]), MAF: maf}
	}
	return rows, nil
}

// ldNaNSubstitute replaces NaN LD entries (zero-variance variants) to keep
// downstream linear algebra well-defined.
const ldNaNSubstitute = 1e-6

// LDMatrix computes the pairwise r2 matrix of the extracted subset at prefix,
// aligned to the variant order of the preceding Intersect call. NaN entries
// are replaced with 1e-6. The sanitized matrix is also rewritten to
// prefix+".ld" so file-consuming methods see the same values.
func (p *Panel) LDMatrix(ctx context.Context, prefix string) (*mat.Dense, error) {
	err := p.runner.Run(ctx, ToolPlink,
		"--bfile", prefix,
		"--r2", "square", "spaces",
		"--threads", "1",
		"--out", prefix)
	if err != nil {
		return nil, err
	}
	m, err := ReadLDFile(prefix + ".ld")
	if err != nil {
		return nil, err
	}
	if err := WriteLDFile(prefix+".ld", m); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadLDFile parses a whitespace-separated square matrix, substituting NaN
// entries with 1e-6.
func ReadLDFile(path string) (*mat.Dense, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var values []float64
	nRows := 0
	for _, line := range strings.Split(string(data), "\n") {
		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		nRows++
		for _, s := range f {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, errors.E("malformed LD matrix entry in " + path + ": " + s)
			}
			if math.IsNaN(v) {
				v = ldNaNSubstitute
			}
			values = append(values, v)
		}
	}
	if nRows == 0 || len(values) != nRows*nRows {
		return nil, errors.E("LD matrix in "+path+" is not square:", nRows, len(values))
	}
	return mat.NewDense(nRows, nRows, values), nil
}

// WriteLDFile writes a space-separated matrix the external fine-mapping
// tools can read.
func WriteLDFile(path string, m *mat.Dense) error {
	r, c := m.Dims()
	var b strings.Builder
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if j > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strconv.FormatFloat(m.At(i, j), 'g', -1, 64))
		}
		b.WriteByte('\n')
	}
	return ioutil.WriteFile(path, []byte(b.String()), 0644)
}
