package models

import "time"

// Record is the persisted shape of a cart. Version is the optimistic
// concurrency token: a store only accepts a save whose expected version
// matches what it holds (0 meaning "absent").
type Record struct {
	OwnerKey  string
	Lines     []Line
	Receipts  map[string]MergeReceipt
	Version   int64
	UpdatedAt time.Time
}

// NewRecord is the in-memory starting point for an owner with no stored cart.
func NewRecord(owner Owner) *Record {
	return &Record{OwnerKey: owner.Key(), Lines: []Line{}}
}

// Cart projects the record for owner.
func (r *Record) Cart(owner Owner) *Cart {
	lines := CloneLines(r.Lines)
	if lines == nil {
		lines = []Line{}
	}
	return &Cart{Owner: owner, Lines: lines, Version: r.Version, UpdatedAt: r.UpdatedAt}
}

// Clone deep-copies the record.
func (r *Record) Clone() *Record {
	out := *r
	out.Lines = CloneLines(r.Lines)
	if r.Receipts != nil {
		out.Receipts = make(map[string]MergeReceipt, len(r.Receipts))
		for k, v := range r.Receipts {
			v.Applied = CloneLines(v.Applied)
			out.Receipts[k] = v
		}
	}
	return &out
}

// MergeReceipt remembers which snapshot of a source cart has already been
// folded into an account cart.
type MergeReceipt struct {
	Source        string
	SourceVersion int64
	Applied       []Line
	MergedAt      time.Time
}
