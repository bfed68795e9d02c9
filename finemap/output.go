package finemap

import (
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/gwas/sumstats"
)

// WriteResults writes the fine-mapping results as a TSV, one
// posterior-probability column per method plus the locus lead-variant tag.
// Conditional-adjusted columns appear when any row carries them.
func WriteResults(path string, results []Result, methods []Method) (err error) {
	ctx := vcontext.Background()
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewWriter(out.Writer(ctx))

	withCojo := false
	for i := range results {
		if results[i].Variant.HasCojo() {
			withCojo = true
			break
		}
	}
	for _, name := range []string{"SNPID", "CHR", "BP", "rsID", "EA", "NEA", "P", "BETA", "SE", "EAF", "MAF", "N"} {
		w.WriteString(name)
	}
	if withCojo {
		w.WriteString("COJO_BETA")
		w.WriteString("COJO_SE")
		w.WriteString("COJO_P")
	}
	for _, m := range methods {
		w.WriteString(m.Column())
	}
	w.WriteString("LEAD_SNP")
	if err = w.EndLine(); err != nil {
		return err
	}
	for i := range results {
		r := &results[i]
		v := &r.Variant
		w.WriteString(v.SNPID)
		w.WriteString(strconv.Itoa(v.Chrom))
		w.WriteString(strconv.Itoa(v.Pos))
		w.WriteString(v.RSID)
		w.WriteString(v.EA)
		w.WriteString(v.NEA)
		w.WriteString(sumstats.FormatFloat(v.P))
		w.WriteString(sumstats.FormatFloat(v.Beta))
		w.WriteString(sumstats.FormatFloat(v.SE))
		w.WriteString(sumstats.FormatFloat(v.EAF))
		w.WriteString(sumstats.FormatFloat(v.MAF))
		w.WriteString(strconv.Itoa(v.N))
		if withCojo {
			w.WriteString(sumstats.FormatFloat(v.CojoBeta))
			w.WriteString(sumstats.FormatFloat(v.CojoSE))
			w.WriteString(sumstats.FormatFloat(v.CojoP))
		}
		for _, m := range methods {
			w.WriteString(sumstats.FormatFloat(r.PP[m]))
		}
		w.WriteString(r.LeadSNP)
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}
