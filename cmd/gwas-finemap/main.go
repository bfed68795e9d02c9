// gwas-finemap identifies independent GWAS risk loci from summary statistics
// and fine-maps them with one or more causal-inference methods, driving the
// external genetics toolchain (plink, gcta64, FINEMAP, PAINTOR, CAVIARBF).
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/gwas/finemap"
	"github.com/grailbio/gwas/ldblock"
	"github.com/grailbio/gwas/ldref"
	"github.com/grailbio/gwas/loci"
	"github.com/grailbio/gwas/sumstats"
	"github.com/grailbio/gwas/workspace"
	"v.io/x/lib/cmdline"
)

func requireFiles(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("input %s not found", path)
		}
	}
	return nil
}

func newCmdValidateLDRef() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "validate-ldref",
		Short:    "Clean an LD reference panel for downstream use",
		ArgsName: "ldref-path outprefix",
	}
	fileType := cmd.Flags.String("file-type", "plink", "Reference panel file type; only 'plink' is supported")
	mac := cmd.Flags.Int("mac", 10, "Exclude variants with minor allele count below this threshold")
	threads := cmd.Flags.Int("threads", 1, "Number of chromosomes cleaned concurrently")
	tempDir := cmd.Flags.String("temp-dir", "", "Directory for intermediate files (default os.TempDir())")
	keepTemp := cmd.Flags.Bool("keep-temp", false, "Keep intermediate files for debugging")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("validate-ldref takes ldref-path and outprefix, but got %v", argv)
		}
		ctx := vcontext.Background()
		ws := &workspace.Provider{Root: *tempDir, Keep: *keepTemp}
		panel := ldref.New(nil)
		return panel.Validate(ctx, ws, argv[0], argv[1], *fileType, *mac, *threads)
	})
	return cmd
}

func newCmdValidateSumstats() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "validate-sumstats",
		Short:    "Standardize a summary-statistics file",
		ArgsName: "sumstats-path output",
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("validate-sumstats takes sumstats-path and output, but got %v", argv)
		}
		if err := requireFiles(argv[0]); err != nil {
			return err
		}
		table, err := sumstats.ReadTable(argv[0])
		if err != nil {
			return err
		}
		return sumstats.WriteTable(argv[1], table)
	})
	return cmd
}

func newCmdGetLoci() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "get-loci",
		Short:    "Identify independent risk loci from summary statistics",
		ArgsName: "sumstats-path outprefix",
	}
	opts := loci.DefaultOpts
	method := cmd.Flags.String("method", loci.Distance.String(), "Lead-variant selection method: distance, clumping or conditional")
	cmd.Flags.Float64Var(&opts.SigThreshold, "sig-threshold", opts.SigThreshold, "Genome-wide significance threshold")
	cmd.Flags.IntVar(&opts.ExtensionKB, "loci-extension", opts.ExtensionKB, "Extension from lead variants to locus boundaries, in kb")
	cmd.Flags.BoolVar(&opts.Merge, "if-merge", opts.Merge, "Merge overlapping loci; not recommended for the conditional method")
	cmd.Flags.IntVar(&opts.DistanceKB, "distance", opts.DistanceKB, "Pruning window for the distance method, in kb")
	cmd.Flags.IntVar(&opts.ClumpKB, "clump-kb", opts.ClumpKB, "Clumping window size, in kb")
	cmd.Flags.Float64Var(&opts.ClumpR2, "clump-r2", opts.ClumpR2, "Clumping r2 threshold")
	cmd.Flags.IntVar(&opts.SampleSize, "sample-size", 0, "GWAS sample size, required by the conditional method")
	cmd.Flags.IntVar(&opts.CojoWindowKB, "cojo-window-kb", opts.CojoWindowKB, "Joint-analysis window size, in kb")
	cmd.Flags.Float64Var(&opts.CojoCollinear, "cojo-collinear", opts.CojoCollinear, "Joint-analysis collinearity threshold")
	cmd.Flags.Float64Var(&opts.DiffFreq, "diff-freq", opts.DiffFreq, "Allowed allele-frequency difference against the reference")
	cmd.Flags.BoolVar(&opts.UseRefEAF, "use-ref-eaf", false, "Substitute allele frequencies from the reference panel")
	cmd.Flags.BoolVar(&opts.OnlyUseSigSNPs, "only-use-sig-snps", false, "Run the conditional selection over significant variants only")
	cmd.Flags.IntVar(&opts.Threads, "threads", opts.Threads, "Number of work units processed concurrently")
	ldrefPrefix := cmd.Flags.String("ldref", "", "LD reference bfile prefix; {chrom} expands per chromosome")
	ldblockPath := cmd.Flags.String("ldblock", "", "LD block boundary file (CHR START END); replaces fixed windows")
	tempDir := cmd.Flags.String("temp-dir", "", "Directory for intermediate files (default os.TempDir())")
	keepTemp := cmd.Flags.Bool("keep-temp", false, "Keep intermediate files for debugging")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("get-loci takes sumstats-path and outprefix, but got %v", argv)
		}
		var err error
		if opts.Method, err = loci.ParseSelectionMethod(*method); err != nil {
			return err
		}
		if err = requireFiles(argv[0]); err != nil {
			return err
		}
		table, err := sumstats.ReadTable(argv[0])
		if err != nil {
			return err
		}
		var ref *ldref.Ref
		if *ldrefPrefix != "" {
			ref = &ldref.Ref{Prefix: *ldrefPrefix}
		}
		var blocks *ldblock.Table
		if *ldblockPath != "" {
			if blocks, err = ldblock.ReadTable(*ldblockPath); err != nil {
				return err
			}
		}
		ctx := vcontext.Background()
		sel := &loci.Selector{
			Panel: ldref.New(nil),
			WS:    &workspace.Provider{Root: *tempDir, Keep: *keepTemp},
		}
		leads, risk, err := sel.Identify(ctx, table, ref, blocks, opts)
		if err != nil {
			return err
		}
		if err := sumstats.WriteTable(argv[1]+".leadSNPs.txt", leads); err != nil {
			return err
		}
		if err := loci.WriteLoci(argv[1]+".loci.txt", risk); err != nil {
			return err
		}
		log.Printf("get-loci: wrote %d leads and %d loci with prefix %s", len(leads), len(risk), argv[1])
		return nil
	})
	return cmd
}

func newCmdFineMap() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "fine-map",
		Short:    "Fine-map identified loci and report per-variant posterior probabilities",
		ArgsName: "sumstats-path loci-path leadsnp-path outfile",
	}
	opts := finemap.DefaultOpts
	methods := cmd.Flags.String("methods", "abf", "Comma-separated fine-mapping methods (abf, finemap, paintor, caviarbf) or 'all'")
	cmd.Flags.Float64Var(&opts.VarPrior, "var-prior", opts.VarPrior, "Prior effect-size standard deviation for abf")
	cmd.Flags.IntVar(&opts.MaxCausal, "max-causal", opts.MaxCausal, "Assumed maximum number of causal variants per locus")
	cmd.Flags.BoolVar(&opts.Conditional, "conditional", false, "Adjust each locus for nearby lead variants before fine-mapping")
	cmd.Flags.IntVar(&opts.CondWindowKB, "cond-snps-wind-kb", opts.CondWindowKB, "Window around the lead within which other leads condition the locus, in kb")
	cmd.Flags.IntVar(&opts.SampleSize, "sample-size", 0, "GWAS sample size, required by finemap and the conditional adjustment")
	cmd.Flags.Float64Var(&opts.CredibleThreshold, "credible-threshold", 0, "Credible-set probability threshold; 0 reports all variants")
	credibleMethod := cmd.Flags.String("credible-method", "", "Method whose posteriors define the credible set")
	cmd.Flags.BoolVar(&opts.UseRefEAF, "use-ref-eaf", false, "Substitute allele frequencies from the reference panel")
	cmd.Flags.IntVar(&opts.Threads, "threads", opts.Threads, "Number of loci fine-mapped concurrently")
	ldrefPrefix := cmd.Flags.String("ldref", "", "LD reference bfile prefix; {chrom} expands per chromosome")
	tempDir := cmd.Flags.String("temp-dir", "", "Directory for intermediate files (default os.TempDir())")
	keepTemp := cmd.Flags.Bool("keep-temp", false, "Keep intermediate files for debugging")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 4 {
			return fmt.Errorf("fine-map takes sumstats-path, loci-path, leadsnp-path and outfile, but got %v", argv)
		}
		var err error
		if opts.Methods, err = finemap.ParseMethods(strings.Split(*methods, ",")); err != nil {
			return err
		}
		if *credibleMethod != "" {
			if opts.CredibleMethod, err = finemap.ParseMethod(*credibleMethod); err != nil {
				return err
			}
		}
		if err = requireFiles(argv[0], argv[1], argv[2]); err != nil {
			return err
		}
		table, err := sumstats.ReadTable(argv[0])
		if err != nil {
			return err
		}
		risk, err := loci.ReadLoci(argv[1])
		if err != nil {
			return err
		}
		leads, err := sumstats.ReadTable(argv[2])
		if err != nil {
			return err
		}
		engine := &finemap.Engine{
			Panel: ldref.New(nil),
			WS:    &workspace.Provider{Root: *tempDir, Keep: *keepTemp},
			Opts:  opts,
		}
		if *ldrefPrefix != "" {
			engine.Ref = &ldref.Ref{Prefix: *ldrefPrefix}
		}
		ctx := vcontext.Background()
		results, err := engine.FinemapAllLoci(ctx, risk, table, leads)
		if err != nil {
			return err
		}
		if err := finemap.WriteResults(argv[3], results, opts.Methods); err != nil {
			return err
		}
		log.Printf("fine-map: wrote %d rows across %d loci to %s", len(results), len(risk), argv[3])
		return nil
	})
	return cmd
}

func main() {
	shutdown := grail.Init()
	cmdline.HideGlobalFlagsExcept()
	root := &cmdline.Command{
		Name:     "gwas-finemap",
		Short:    "Identify and fine-map GWAS risk loci",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdValidateLDRef(),
			newCmdValidateSumstats(),
			newCmdGetLoci(),
			newCmdFineMap(),
		},
	}
	// cmdline.Main never returns, so run through ParseAndRun to let the
	// shutdown hooks flush.
	err := cmdline.ParseAndRun(root, cmdline.EnvFromOS(), os.Args[1:])
	code := cmdline.ExitCode(err, os.Stderr)
	shutdown()
	os.Exit(code)
}
