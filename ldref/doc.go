// Package ldref reconciles summary statistics against an external genotype
// reference panel (a PLINK bed/bim/fam triplet) and obtains LD, allele
// frequency, clumping and conditional-regression outputs from the external
// plink and gcta binaries.
//
// Every external invocation goes through the Runner interface, so the
// orchestration logic is testable with a fake runner that writes the files a
// real tool would produce. A reference panel is expected to have been
// normalized by Validate first: variant IDs in the .bim are rewritten to the
// canonical chrom-pos-sorted(alleles) form, which is what makes joins against
// sumstats.Table possible.
package ldref
