// Package ldblock reads externally supplied LD-block boundary tables
// (CHR START END, tab-separated, no header) and answers point-containment
// queries against them. Block tables are read-only inputs; positions are
// 1-based and END is inclusive.
package ldblock

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/biogo/store/interval"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/gwas/sumstats"
	"github.com/klauspost/compress/gzip"
)

// Block is one LD-block interval.
type Block struct {
	Chrom int
	Start int
	End   int
}

type blockInterval struct {
	block Block
	id    uintptr
}

var (
	_ interval.IntInterface = blockInterval{}
	_ interval.IntInterface = pointQuery(0)
)

func (b blockInterval) Overlap(r interval.IntRange) bool {
	// Stored ranges are half-open [Start, End+1).
	return b.block.Start <= r.End-1 && r.Start <= b.block.End
}

func (b blockInterval) ID() uintptr { return b.id }

func (b blockInterval) Range() interval.IntRange {
	return interval.IntRange{Start: b.block.Start, End: b.block.End + 1}
}

type pointQuery int

func (q pointQuery) Overlap(r interval.IntRange) bool {
	return int(q) >= r.Start && int(q) < r.End
}
func (q pointQuery) ID() uintptr { return 0 }
func (q pointQuery) Range() interval.IntRange {
	return interval.IntRange{Start: int(q), End: int(q) + 1}
}

// Table holds the blocks of one LD-block file, indexed per chromosome.
type Table struct {
	blocks []Block
	trees  map[int]*interval.IntTree
}

// New builds a Table from blocks.
func New(blocks []Block) (*Table, error) {
	t := &Table{blocks: blocks, trees: make(map[int]*interval.IntTree)}
	for i, b := range blocks {
		if b.Chrom < 1 || b.Chrom > sumstats.ChromX || b.Start < 0 || b.End < b.Start {
			return nil, errors.E("ldblock: invalid block", b.Chrom, b.Start, b.End)
		}
		tree := t.trees[b.Chrom]
		if tree == nil {
			tree = &interval.IntTree{}
			t.trees[b.Chrom] = tree
		}
		if err := tree.Insert(blockInterval{block: b, id: uintptr(i)}, false); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Len returns the number of blocks.
func (t *Table) Len() int { return len(t.blocks) }

// Covering returns the first block containing (chrom, pos), or ok=false when
// no block covers the position.
func (t *Table) Covering(chrom, pos int) (Block, bool) {
	tree := t.trees[chrom]
	if tree == nil {
		return Block{}, false
	}
	hits := tree.Get(pointQuery(pos))
	if len(hits) == 0 {
		return Block{}, false
	}
	best := hits[0].(blockInterval)
	for _, h := range hits[1:] {
		if bi := h.(blockInterval); bi.id < best.id {
			best = bi
		}
	}
	return best.block, true
}

// ReadTable loads a headerless CHR START END file, transparently gunzipping
// .gz paths.
func ReadTable(path string) (t *Table, err error) {
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
	return read(reader)
}

func read(r io.Reader) (*Table, error) {
	var blocks []Block
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, errors.E("ldblock: malformed line: " + line)
		}
		chrom, ok := sumstats.ParseChrom(fields[0])
		if !ok {
			return nil, errors.E("ldblock: bad chromosome: " + fields[0])
		}
		start, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, err
		}
		end, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, Block{Chrom: chrom, Start: start, End: end})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return New(blocks)
}
