package main

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/grailbio/gwas/ldref"
	"github.com/grailbio/gwas/loci"
	"github.com/grailbio/gwas/sumstats"
	"github.com/grailbio/gwas/workspace"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two chromosomes, three independent signals, one shoulder variant inside the
// pruning window of the strongest chr1 peak and two sub-threshold rows.
const testSumstats = "CHR\tBP\trsID\tEA\tNEA\tP\tBETA\tSE\tEAF\n" +
	"1\t1000000\trs1\tA\tG\t1e-9\t0.11\t0.02\t0.3\n" +
	"1\t1050000\trs2\tC\tT\t1e-8\t0.10\t0.02\t0.2\n" +
	"1\t3000000\trs3\tA\tC\t1e-10\t-0.12\t0.02\t0.4\n" +
	"1\t1200000\trs4\tG\tT\t0.01\t0.02\t0.02\t0.1\n" +
	"2\t500000\trs5\tT\tC\t1e-12\t0.15\t0.02\t0.25\n" +
	"2\t800000\trs6\tA\tG\t0.5\t0.01\t0.02\t0.35\n"

func TestGetLociEndToEnd(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	sumstatsPath := filepath.Join(tempDir, "gwas.tsv")
	require.NoError(t, ioutil.WriteFile(sumstatsPath, []byte(testSumstats), 0644))

	table, err := sumstats.ReadTable(sumstatsPath)
	require.NoError(t, err)
	require.Len(t, table, 6)

	sel := &loci.Selector{
		Panel: ldref.New(nil),
		WS:    &workspace.Provider{Root: tempDir},
	}
	opts := loci.DefaultOpts
	opts.Method = loci.Distance
	leads, risk, err := sel.Identify(context.Background(), table, nil, nil, opts)
	require.NoError(t, err)

	// rs2 is within 500kb of rs1 and gets pruned; everything else leads.
	require.Len(t, leads, 3)
	require.Len(t, risk, 3)
	leadIdx := sumstats.Index(leads)
	for i, l := range risk {
		_, ok := leadIdx[l.LeadSNP]
		assert.True(t, ok, "locus %d lead %s missing from the lead table", i, l.LeadSNP)
		assert.True(t, l.Start <= l.LeadPos && l.LeadPos <= l.End)
		if i > 0 {
			prev := risk[i-1]
			ordered := l.Chrom > prev.Chrom || (l.Chrom == prev.Chrom && l.Start >= prev.Start)
			assert.True(t, ordered, "loci out of (chrom,start) order at %d", i)
		}
	}
	assert.Equal(t, 1, risk[0].Chrom)
	assert.Equal(t, 500000, risk[0].Start)
	assert.Equal(t, 2, risk[2].Chrom)
	assert.Equal(t, 0, risk[2].Start)

	leadsPath := filepath.Join(tempDir, "out.leadSNPs.txt")
	lociPath := filepath.Join(tempDir, "out.loci.txt")
	require.NoError(t, sumstats.WriteTable(leadsPath, leads))
	require.NoError(t, loci.WriteLoci(lociPath, risk))

	leadsBack, err := sumstats.ReadTable(leadsPath)
	require.NoError(t, err)
	riskBack, err := loci.ReadLoci(lociPath)
	require.NoError(t, err)
	assert.Len(t, leadsBack, len(leads))
	assert.Equal(t, risk, riskBack)
}

func TestRequireFiles(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	present := filepath.Join(tempDir, "present.tsv")
	require.NoError(t, ioutil.WriteFile(present, []byte("x"), 0644))
	assert.NoError(t, requireFiles(present))
	err := requireFiles(present, filepath.Join(tempDir, "absent.tsv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent.tsv")
}
