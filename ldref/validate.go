package ldref

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/gwas/sumstats"
	"github.com/grailbio/gwas/workspace"
)

// Extract subsets the reference to one chromosome (optionally a positional
// range) with a minor-allele-count floor, producing a new triplet at
// outPrefix.
func (p *Panel) Extract(ctx context.Context, dir string, ref Ref, chrom, start, end, mac int, outPrefix string) error {
	resolved := ref.Resolve(chrom)
	if err := resolved.Check(); err != nil {
		return err
	}
	args := []string{"--bfile", resolved.Prefix}
	if start > 0 {
		regionPath := filepath.Join(dir, "extract.region")
		line := strconv.Itoa(chrom) + "\t" + strconv.Itoa(start) + "\t" + strconv.Itoa(end) + "\tregion\n"
		if err := writeFile(regionPath, line); err != nil {
			return err
		}
		args = append(args, "--extract", "range", regionPath)
	} else {
		args = append(args, "--chr", strconv.Itoa(chrom))
	}
	args = append(args,
		"--keep-allele-order",
		"--mac", strconv.Itoa(mac),
		"--make-bed",
		"--out", outPrefix)
	return p.runner.Run(ctx, ToolPlink, args...)
}

// validateUnit is one per-chromosome clean job.
type validateUnit struct {
	chrom    int
	inPrefix string
}

// Validate normalizes a reference panel into per-chromosome triplets at
// outPrefix.chrN: duplicate variants and variants below the minor-allele-count
// floor are removed, and .bim IDs are rewritten to the canonical
// chrom-pos-sorted(alleles) form. Chromosomes absent from the input are
// logged and skipped. Only the "plink" file type is supported.
func (p *Panel) Validate(ctx context.Context, ws *workspace.Provider, path, outPrefix, fileType string, mac, threads int) error {
	if fileType != "plink" {
		return errors.E("unsupported LD reference file type: " + fileType)
	}
	if mac <= 0 {
		return errors.E("minor allele count floor must be positive, got", mac)
	}
	if threads < 1 {
		threads = 1
	}
	ref := Ref{Prefix: path}
	var units []validateUnit
	for chrom := 1; chrom <= sumstats.ChromX; chrom++ {
		if ref.HasTemplate() {
			resolved := ref.Resolve(chrom)
			if resolved.Check() != nil && chrom == sumstats.ChromX {
				// Panels often label the 23rd chromosome "X".
				if x := ref.resolveLabel("X"); x.Check() == nil {
					log.Printf("ldref: chr%d not found, using X instead", chrom)
					resolved = x
				}
			}
			if err := resolved.Check(); err != nil {
				log.Printf("ldref: %s not found, skipping chr%d", resolved.Prefix, chrom)
				continue
			}
			units = append(units, validateUnit{chrom: chrom, inPrefix: resolved.Prefix})
		} else {
			if err := ref.Check(); err != nil {
				return err
			}
			units = append(units, validateUnit{chrom: chrom, inPrefix: ref.Prefix})
		}
	}
	if len(units) == 0 {
		return errors.E(ErrReferenceNotFound, path)
	}
	if threads > len(units) {
		threads = len(units)
	}
	return traverse.Each(threads, func(jobIdx int) error {
		startIdx := (jobIdx * len(units)) / threads
		endIdx := ((jobIdx + 1) * len(units)) / threads
		for _, u := range units[startIdx:endIdx] {
			dir, cleanup, err := ws.Unit("ldref-clean")
			if err != nil {
				return err
			}
			err = p.cleanChrom(ctx, dir, u, mac, outPrefix+".chr"+strconv.Itoa(u.chrom))
			cleanup()
			if err != nil {
				return err
			}
			log.Printf("ldref: validated chr%d -> %s.chr%d", u.chrom, outPrefix, u.chrom)
		}
		return nil
	})
}

// cleanChrom deduplicates and renames one chromosome's variants. When the
// input triplet spans multiple chromosomes, the chromosome subset is
// extracted first.
func (p *Panel) cleanChrom(ctx context.Context, dir string, u validateUnit, mac int, outPrefix string) error {
	inPrefix := u.inPrefix
	bim, err := readBim(inPrefix + ".bim")
	if err != nil {
		return err
	}
	multiChrom := false
	hasChrom := false
	for _, row := range bim {
		if row.Chrom != u.chrom {
			multiChrom = true
		} else {
			hasChrom = true
		}
	}
	if !hasChrom {
		log.Printf("ldref: chr%d not present in %s.bim, skipping", u.chrom, inPrefix)
		return nil
	}
	if multiChrom {
		subsetPrefix := filepath.Join(dir, "chr"+strconv.Itoa(u.chrom))
		if err := p.Extract(ctx, dir, Ref{Prefix: inPrefix}, u.chrom, 0, 0, mac, subsetPrefix); err != nil {
			return err
		}
		inPrefix = subsetPrefix
		if bim, err = readBim(inPrefix + ".bim"); err != nil {
			return err
		}
	}

	// Renumber IDs so duplicate detection keys on position+alleles rather
	// than whatever names the panel shipped with.
	numbered := make([]bimRow, len(bim))
	for i, row := range bim {
		row.ID = strconv.Itoa(i)
		numbered[i] = row
	}
	numberedBim := filepath.Join(dir, "numbered.bim")
	if err := writeBim(numberedBim, numbered); err != nil {
		return err
	}
	dupPrefix := filepath.Join(dir, "dup")
	err = p.runner.Run(ctx, ToolPlink,
		"--bed", inPrefix+".bed",
		"--fam", inPrefix+".fam",
		"--bim", numberedBim,
		"--keep-allele-order",
		"--list-duplicate-vars", "ids-only", "suppress-first",
		"--out", dupPrefix)
	if err != nil {
		return err
	}
	cleanPrefix := filepath.Join(dir, "clean")
	err = p.runner.Run(ctx, ToolPlink,
		"--bed", inPrefix+".bed",
		"--fam", inPrefix+".fam",
		"--bim", numberedBim,
		"--exclude", dupPrefix+".dupvar",
		"--mac", strconv.Itoa(mac),
		"--keep-allele-order",
		"--make-bed",
		"--out", cleanPrefix)
	if err != nil {
		return err
	}
	cleanBim, err := readBim(cleanPrefix + ".bim")
	if err != nil {
		return err
	}
	for i := range cleanBim {
		row := &cleanBim[i]
		row.ID = sumstats.MakeSNPID(row.Chrom, row.Pos, strings.ToUpper(row.A1), strings.ToUpper(row.A2))
	}
	if err := writeBim(cleanPrefix+".bim", cleanBim); err != nil {
		return err
	}
	for _, ext := range []string{".bed", ".bim", ".fam"} {
		if err := moveFile(cleanPrefix+ext, outPrefix+ext); err != nil {
			return err
		}
	}
	return nil
}

// moveFile renames src to dst, copying when the two paths live on different
// filesystems (the workspace usually sits on tmpfs).
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeFile(path, content string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
