package ldblock

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestCovering(t *testing.T) {
	table, err := New([]Block{
		{Chrom: 1, Start: 100, End: 200},
		{Chrom: 1, Start: 300, End: 400},
		{Chrom: 2, Start: 100, End: 200},
	})
	assert.NoError(t, err)
	expect.EQ(t, table.Len(), 3)

	b, ok := table.Covering(1, 150)
	expect.True(t, ok)
	expect.EQ(t, b, Block{Chrom: 1, Start: 100, End: 200})

	// END is inclusive.
	b, ok = table.Covering(1, 400)
	expect.True(t, ok)
	expect.EQ(t, b.Start, 300)

	_, ok = table.Covering(1, 250)
	expect.False(t, ok)
	_, ok = table.Covering(3, 150)
	expect.False(t, ok)
}

func TestCoveringOverlappingBlocks(t *testing.T) {
	// When blocks overlap, the earliest block in file order wins.
	table, err := New([]Block{
		{Chrom: 1, Start: 100, End: 300},
		{Chrom: 1, Start: 200, End: 400},
	})
	assert.NoError(t, err)
	b, ok := table.Covering(1, 250)
	expect.True(t, ok)
	expect.EQ(t, b, Block{Chrom: 1, Start: 100, End: 300})
}

func TestReadTable(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tempDir, "blocks.bed")
	content := "1\t100\t200\nchrX\t300\t400\n\n2\t10\t20\n"
	assert.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))

	table, err := ReadTable(path)
	assert.NoError(t, err)
	expect.EQ(t, table.Len(), 3)
	b, ok := table.Covering(23, 350)
	expect.True(t, ok)
	expect.EQ(t, b.End, 400)
}

func TestNewRejectsInvalidBlock(t *testing.T) {
	_, err := New([]Block{{Chrom: 1, Start: 200, End: 100}})
	expect.NotNil(t, err)
	_, err = New([]Block{{Chrom: 0, Start: 1, End: 2}})
	expect.NotNil(t, err)
}
