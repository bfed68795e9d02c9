package ldref

import (
	"context"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/gwas/sumstats"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records invocations and lets each test fabricate the output
// files a real tool would have written.
type fakeRunner struct {
	tools   []string
	handler func(tool string, args []string) error
}

func (r *fakeRunner) Run(_ context.Context, tool string, args ...string) error {
	r.tools = append(r.tools, tool)
	if r.handler == nil {
		return nil
	}
	return r.handler(tool, args)
}

func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func makeRefTriplet(t *testing.T, dir, name, bim string) Ref {
	t.Helper()
	prefix := filepath.Join(dir, name)
	for _, ext := range []string{".bed", ".fam"} {
		require.NoError(t, ioutil.WriteFile(prefix+ext, []byte("x"), 0644))
	}
	require.NoError(t, ioutil.WriteFile(prefix+".bim", []byte(bim), 0644))
	return Ref{Prefix: prefix}
}

func testTable() sumstats.Table {
	mk := func(chrom, pos int, ea, nea string, p, beta, se, eaf float64) sumstats.Variant {
		return sumstats.Variant{
			SNPID: sumstats.MakeSNPID(chrom, pos, ea, nea),
			Chrom: chrom, Pos: pos, EA: ea, NEA: nea,
			P: p, Beta: beta, SE: se, EAF: eaf, MAF: eaf,
			CojoBeta: math.NaN(), CojoSE: math.NaN(), CojoP: math.NaN(),
		}
	}
	return sumstats.Table{
		mk(1, 100, "A", "G", 1e-9, 0.1, 0.02, 0.3),
		mk(1, 200, "C", "T", 1e-6, -0.2, 0.04, 0.2),
		mk(1, 300, "A", "C", 1e-4, 0.05, 0.03, 0.1),
	}
}

func TestRefResolve(t *testing.T) {
	r := Ref{Prefix: "/ref/EUR.chr{chrom}"}
	assert.True(t, r.HasTemplate())
	assert.Equal(t, "/ref/EUR.chr7", r.Resolve(7).Prefix)
	assert.False(t, r.Resolve(7).HasTemplate())
}

func TestRefCheck(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ref := makeRefTriplet(t, tempDir, "ref", "1\t1-100-A-G\t0\t100\tA\tG\n")
	assert.NoError(t, ref.Check())

	missing := Ref{Prefix: filepath.Join(tempDir, "nonexistent")}
	err := missing.Check()
	require.Error(t, err)
}

func TestReadLDFileSubstitutesNaN(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tempDir, "m.ld")
	require.NoError(t, ioutil.WriteFile(path, []byte("1 nan\nnan 1\n"), 0644))

	m, err := ReadLDFile(path)
	require.NoError(t, err)
	r, c := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, 1e-6, m.At(0, 1))
	assert.Equal(t, 1e-6, m.At(1, 0))
	assert.Equal(t, 1.0, m.At(0, 0))
}

func TestReadLDFileNotSquare(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tempDir, "m.ld")
	require.NoError(t, ioutil.WriteFile(path, []byte("1 0.5\n"), 0644))
	_, err := ReadLDFile(path)
	require.Error(t, err)
}

func TestIntersect(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	table := testTable()
	ref := makeRefTriplet(t, tempDir, "ref", "")
	runner := &fakeRunner{handler: func(tool string, args []string) error {
		out := argValue(args, "--out")
		// The reference carries two of the three variants, in reverse
		// positional order.
		bim := "1\t1-200-C-T\t0\t200\tC\tT\n" +
			"1\t1-100-A-G\t0\t100\tA\tG\n"
		return ioutil.WriteFile(out+".bim", []byte(bim), 0644)
	}}
	p := New(runner)

	overlap, prefix, err := p.Intersect(context.Background(), tempDir, table, ref, false)
	require.NoError(t, err)
	require.Len(t, overlap, 2)
	// Reference order, not sumstats order.
	assert.Equal(t, "1-200-C-T", overlap[0].SNPID)
	assert.Equal(t, "1-100-A-G", overlap[1].SNPID)
	assert.Equal(t, filepath.Join(tempDir, "intersect"), prefix)
	assert.Equal(t, []string{ToolPlink}, runner.tools)
}

func TestIntersectUseRefEAF(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	table := testTable()
	ref := makeRefTriplet(t, tempDir, "ref", "")
	runner := &fakeRunner{handler: func(tool string, args []string) error {
		out := argValue(args, "--out")
		for _, a := range args {
			if a == "--freq" {
				// A1 matches EA for the first variant and is flipped for
				// the second.
				frq := " CHR SNP A1 A2 MAF NCHROBS\n" +
					" 1 1-100-A-G A G 0.25 1000\n" +
					" 1 1-200-C-T T C 0.4 1000\n"
				return ioutil.WriteFile(out+".frq", []byte(frq), 0644)
			}
		}
		bim := "1\t1-100-A-G\t0\t100\tA\tG\n" +
			"1\t1-200-C-T\t0\t200\tC\tT\n"
		return ioutil.WriteFile(out+".bim", []byte(bim), 0644)
	}}
	p := New(runner)

	overlap, _, err := p.Intersect(context.Background(), tempDir, table, ref, true)
	require.NoError(t, err)
	require.Len(t, overlap, 2)
	assert.Equal(t, 0.25, overlap[0].EAF)
	assert.Equal(t, 0.25, overlap[0].MAF)
	assert.InDelta(t, 0.6, overlap[1].EAF, 1e-12)
	assert.Equal(t, 0.4, overlap[1].MAF)
}

func TestIntersectMissingRef(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	p := New(&fakeRunner{})
	_, _, err := p.Intersect(context.Background(), tempDir, testTable(),
		Ref{Prefix: filepath.Join(tempDir, "nope")}, false)
	require.Error(t, err)
}

func TestClump(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	sig := testTable()
	ref := makeRefTriplet(t, tempDir, "ref", "")
	runner := &fakeRunner{handler: func(tool string, args []string) error {
		out := argValue(args, "--out")
		clumped := " CHR F SNP BP P TOTAL NSIG S05 S01 S001 S0001 SP2\n" +
			" 1 1 1-100-A-G 100 1e-9 2 0 0 0 0 2 1-200-C-T(1)\n"
		return ioutil.WriteFile(out+".clumped", []byte(clumped), 0644)
	}}
	p := New(runner)

	leads, err := p.Clump(context.Background(), tempDir, sig, ref, 5e-8, 500, 0.1)
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "1-100-A-G", leads[0].SNPID)
}

func TestClumpNoOutput(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ref := makeRefTriplet(t, tempDir, "ref", "")
	// plink writes no .clumped file when nothing survives; this is zero
	// leads, not an error.
	p := New(&fakeRunner{})
	leads, err := p.Clump(context.Background(), tempDir, testTable(), ref, 5e-8, 500, 0.1)
	require.NoError(t, err)
	assert.Empty(t, leads)
}

func TestWriteCojoMaMissingEAF(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	table := testTable()
	table[1].EAF = math.NaN()
	err := writeCojoMa(filepath.Join(tempDir, "in.ma"), table, 10000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "use-ref-eaf")
}

func TestCojoSelect(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	table := testTable()
	ref := makeRefTriplet(t, tempDir, "ref", "")
	runner := &fakeRunner{handler: func(tool string, args []string) error {
		out := argValue(args, "--out")
		if tool == ToolPlink {
			bim := "1\t1-100-A-G\t0\t100\tA\tG\n" +
				"1\t1-200-C-T\t0\t200\tC\tT\n" +
				"1\t1-300-A-C\t0\t300\tA\tC\n"
			return ioutil.WriteFile(out+".bim", []byte(bim), 0644)
		}
		jma := "Chr SNP bp refA freq b se p n freq_geno bJ bJ_se pJ LD_r\n" +
			"1 1-100-A-G 100 A 0.3 0.1 0.02 1e-9 1000 0.3 0.09 0.02 2e-9 0\n" +
			"1 1-300-A-C 300 A 0.1 0.05 0.03 1e-4 1000 0.1 0.04 0.03 0.2 0\n"
		return ioutil.WriteFile(out+".jma.cojo", []byte(jma), 0644)
	}}
	p := New(runner)

	leads, err := p.CojoSelect(context.Background(), tempDir, table, ref,
		10000, 5e-8, 10000, 0.9, 0.2, false)
	require.NoError(t, err)
	// 1-300-A-C survives selection but its joint p-value misses the
	// threshold.
	require.Len(t, leads, 1)
	assert.Equal(t, "1-100-A-G", leads[0].SNPID)
	assert.Equal(t, 0.09, leads[0].CojoBeta)
	assert.Equal(t, 2e-9, leads[0].CojoP)
	assert.True(t, leads[0].HasCojo())
	assert.Equal(t, []string{ToolPlink, ToolGCTA}, runner.tools)
}

func TestCojoCond(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	table := testTable()[:2]
	cond := testTable()[2:]
	ref := makeRefTriplet(t, tempDir, "ref", "")
	runner := &fakeRunner{handler: func(tool string, args []string) error {
		out := argValue(args, "--out")
		if tool == ToolPlink {
			bim := "1\t1-100-A-G\t0\t100\tA\tG\n" +
				"1\t1-200-C-T\t0\t200\tC\tT\n" +
				"1\t1-300-A-C\t0\t300\tA\tC\n"
			return ioutil.WriteFile(out+".bim", []byte(bim), 0644)
		}
		// The second variant could not be adjusted (NA row) and must be
		// dropped from the result.
		cma := "Chr SNP bp refA freq b se p n freq_geno bC bC_se pC\n" +
			"1 1-100-A-G 100 A 0.3 0.1 0.02 1e-9 1000 0.3 0.08 0.021 5e-8\n" +
			"1 1-200-C-T 200 C 0.2 -0.2 0.04 1e-6 1000 0.2 NA NA NA\n"
		return ioutil.WriteFile(out+".cma.cojo", []byte(cma), 0644)
	}}
	p := New(runner)

	adjusted, err := p.CojoCond(context.Background(), tempDir, table, cond, ref, 10000, false)
	require.NoError(t, err)
	require.Len(t, adjusted, 1)
	assert.Equal(t, "1-100-A-G", adjusted[0].SNPID)
	assert.Equal(t, 0.08, adjusted[0].CojoBeta)
	assert.Equal(t, 5e-8, adjusted[0].CojoP)
}

func TestMoveFile(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	src := filepath.Join(tempDir, "src.bim")
	dst := filepath.Join(tempDir, "out", "dst.bim")
	require.NoError(t, os.Mkdir(filepath.Join(tempDir, "out"), 0755))
	require.NoError(t, ioutil.WriteFile(src, []byte("1\tsnp\t0\t100\tA\tG\n"), 0644))
	require.NoError(t, moveFile(src, dst))
	data, err := ioutil.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "1\tsnp\t0\t100\tA\tG\n", string(data))
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

// copyFile is the fallback moveFile takes when the workspace and the output
// prefix sit on different filesystems.
func TestCopyFileFallback(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	src := filepath.Join(tempDir, "clean.bed")
	dst := filepath.Join(tempDir, "final.bed")
	require.NoError(t, ioutil.WriteFile(src, []byte("plinkdata"), 0644))
	require.NoError(t, copyFile(src, dst))
	data, err := ioutil.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "plinkdata", string(data))
}

func TestToolError(t *testing.T) {
	err := &ToolError{Tool: ToolPlink, Args: []string{"--bfile", "x"}, Stderr: "boom\n", Err: os.ErrNotExist}
	msg := err.Error()
	assert.Contains(t, msg, "plink")
	assert.Contains(t, msg, "boom")
}
