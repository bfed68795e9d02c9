// Package sumstats defines the in-memory representation of GWAS summary
// statistics: one Variant per row, with standardized fields and a unique
// variant ID shared by every downstream stage (locus selection, LD reference
// intersection, fine-mapping).
//
// Tables are treated as immutable between pipeline stages; operations return
// new slices rather than mutating their input.
package sumstats
