package models

import "time"

// MergePlan is the outcome of consolidating a source cart into a target.
type MergePlan struct {
	Lines   []Line
	Receipt MergeReceipt
	// Changed is false when the target already reflects this source
	// snapshot; the caller must not write.
	Changed bool
	// Contribution is what the source added on this run.
	Contribution []Line
}

// PlanMerge folds source into target.
//
// For each product the merged quantity is min(source + target, max). The
// target keeps a receipt per source: re-merging the same source version is a
// no-op, and re-merging a source that changed since the last merge adds only
// the per-product growth, so repeated logins never double-count.
func PlanMerge(source, target *Record, max int, now time.Time) MergePlan {
	receipt, seen := target.Receipts[source.OwnerKey]
	if seen && receipt.SourceVersion == source.Version {
		return MergePlan{Lines: CloneLines(target.Lines), Receipt: receipt}
	}
	if !seen && len(source.Lines) == 0 {
		return MergePlan{Lines: CloneLines(target.Lines)}
	}

	contribution := CloneLines(source.Lines)
	if seen {
		contribution = Delta(source.Lines, receipt.Applied)
	}
	return MergePlan{
		Lines: MergeLines(target.Lines, contribution, max),
		Receipt: MergeReceipt{
			Source:        source.OwnerKey,
			SourceVersion: source.Version,
			Applied:       CloneLines(source.Lines),
			MergedAt:      now,
		},
		Changed:      true,
		Contribution: contribution,
	}
}
