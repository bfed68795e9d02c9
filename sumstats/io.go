package sumstats

import (
	"bufio"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/gzip"
)

// Column labels used by the text formats.
const (
	colSNPID = "SNPID"
	colChr   = "CHR"
	colBP    = "BP"
	colRSID  = "rsID"
	colEA    = "EA"
	colNEA   = "NEA"
	colP     = "P"
	colBeta  = "BETA"
	colSE    = "SE"
	colEAF   = "EAF"
	colMAF   = "MAF"
	colN     = "N"
)

var requiredCols = []string{colChr, colBP, colEA, colNEA, colP, colBeta, colSE}

// ReadTable reads a tab-separated summary-statistics file (transparently
// gunzipping .gz paths), standardizes it, and returns the resulting table.
// The header must contain at least CHR, BP, EA, NEA, P, BETA and SE.
func ReadTable(path string) (table Table, err error) {
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
	raw, err := readRaw(reader)
	if err != nil {
		return nil, errors.E(err, "read "+path)
	}
	table = Standardize(raw)
	log.Printf("sumstats: loaded %d variants from %s", len(table), path)
	return table, nil
}

func readRaw(r io.Reader) ([]RawVariant, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<22)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("empty summary-statistics file")
	}
	header := strings.Split(strings.TrimRight(scanner.Text(), "\r\n"), "\t")
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, name := range requiredCols {
		if _, ok := col[name]; !ok {
			return nil, errors.E("missing required column " + name)
		}
	}
	get := func(fields []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(fields) {
			return ""
		}
		return strings.TrimSpace(fields[i])
	}
	var rows []RawVariant
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		rows = append(rows, RawVariant{
			Chrom: get(fields, colChr),
			Pos:   get(fields, colBP),
			RSID:  get(fields, colRSID),
			EA:    get(fields, colEA),
			NEA:   get(fields, colNEA),
			P:     get(fields, colP),
			Beta:  get(fields, colBeta),
			SE:    get(fields, colSE),
			EAF:   get(fields, colEAF),
			MAF:   get(fields, colMAF),
			N:     get(fields, colN),
		})
	}
	return rows, scanner.Err()
}

// FormatFloat renders a statistic for text output, with NaN as NA.
func FormatFloat(f float64) string {
	if math.IsNaN(f) {
		return "NA"
	}
	return strconv.FormatFloat(f, 'g', 6, 64)
}

// WriteTable writes the table as a TSV with a full variant record per row.
// Conditional-adjusted columns are included when any row carries them.
func WriteTable(path string, table Table) (err error) {
	ctx := vcontext.Background()
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewWriter(out.Writer(ctx))

	withCojo := false
	for i := range table {
		if table[i].HasCojo() {
			withCojo = true
			break
		}
	}
	for _, name := range []string{colSNPID, colChr, colBP, colRSID, colEA, colNEA, colP, colBeta, colSE, colEAF, colMAF, colN} {
		w.WriteString(name)
	}
	if withCojo {
		w.WriteString("COJO_BETA")
		w.WriteString("COJO_SE")
		w.WriteString("COJO_P")
	}
	if err = w.EndLine(); err != nil {
		return err
	}
	for i := range table {
		v := &table[i]
		w.WriteString(v.SNPID)
		w.WriteString(strconv.Itoa(v.Chrom))
		w.WriteString(strconv.Itoa(v.Pos))
		w.WriteString(v.RSID)
		w.WriteString(v.EA)
		w.WriteString(v.NEA)
		w.WriteString(FormatFloat(v.P))
		w.WriteString(FormatFloat(v.Beta))
		w.WriteString(FormatFloat(v.SE))
		w.WriteString(FormatFloat(v.EAF))
		w.WriteString(FormatFloat(v.MAF))
		w.WriteString(strconv.Itoa(v.N))
		if withCojo {
			w.WriteString(FormatFloat(v.CojoBeta))
			w.WriteString(FormatFloat(v.CojoSE))
			w.WriteString(FormatFloat(v.CojoP))
		}
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}
